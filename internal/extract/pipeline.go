package extract

// Analysis 一次完整提取的结果快照
type Analysis struct {
	Bundle       Bundle    `json:"bundle"`
	Prose        string    `json:"prose"`
	Record       Record    `json:"record"`
	Sections     []Section `json:"sections"`
	Completeness float64   `json:"completeness"`
}

// Analyze 拆分混合文本、清理噪声后提取字段与小节。
// 纯函数，可以对进行中的缓冲快照反复调用做实时预览。
func Analyze(raw string) Analysis {
	bundle := Split(raw)
	prose := CleanNoise(bundle.Prose)
	record := Extract(prose)
	return Analysis{
		Bundle:       bundle,
		Prose:        prose,
		Record:       record,
		Sections:     Segment(prose),
		Completeness: record.Completeness(),
	}
}

// Empty 是否没有任何可用正文
func (a Analysis) Empty() bool {
	return a.Prose == "" && a.Record.RawContent == ""
}
