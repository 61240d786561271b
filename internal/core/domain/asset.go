package domain

// AssetMetadata describes an asset the bridge may escrow and mint wrapped
// representations of.
type AssetMetadata struct {
	AssetID     string  `json:"asset_id"`
	Name        string  `json:"name"`
	Symbol      string  `json:"symbol"`
	Decimals    uint8   `json:"decimals"`
	NativeChain ChainID `json:"native_chain"`
}

// WrappedAssetID derives the denomination of the wrapped representation of an
// asset on a destination chain. Derived, never stored, so burn flows can
// always resolve the original asset.
func WrappedAssetID(assetID string, destChain ChainID) string {
	return "w" + assetID + "/" + string(destChain)
}
