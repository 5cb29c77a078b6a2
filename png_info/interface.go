package png_info

type Extractor interface {
	ExtractDiffusionInfo() (*PNGInfo, error)
}
