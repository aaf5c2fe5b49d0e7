// 本文件用于把提取结果组装为知识卡片 并给出是否渲染的判断
package card

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"knowledge-card/internal/extract"
)

// DefaultMinCompleteness 低于该完整度时仍渲染但给出提示
const DefaultMinCompleteness = 0.3

// BasicInfo 命主基本信息
type BasicInfo struct {
	Name        string `json:"name,omitempty"`
	Gender      string `json:"gender,omitempty"`
	BirthDate   string `json:"birthDate,omitempty"`
	BirthTime   string `json:"birthTime,omitempty"`
	FourPillars string `json:"fourPillars,omitempty"`
	MainStar    string `json:"mainStar,omitempty"`
	BodyPalace  string `json:"bodyPalace,omitempty"`
}

// Item 卡片中的一条字段
type Item struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Group 卡片中的一组字段
type Group struct {
	Key   string `json:"key"`
	Title string `json:"title"`
	Items []Item `json:"items"`
}

// NamedSections 按标题关键字挑出的小节，未命中时为空
type NamedSections struct {
	Overview    *extract.Section `json:"overview,omitempty"`
	Analysis    *extract.Section `json:"analysis,omitempty"`
	Suggestions *extract.Section `json:"suggestions,omitempty"`
	Conclusion  *extract.Section `json:"conclusion,omitempty"`
}

// Decision 渲染判断
type Decision struct {
	Render       bool    `json:"render"`
	Warn         bool    `json:"warn"`
	Completeness float64 `json:"completeness"`
	Reason       string  `json:"reason,omitempty"`
}

// KnowledgeCard 知识卡片
type KnowledgeCard struct {
	ID           string            `json:"id"`
	SessionID    string            `json:"sessionId,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	Basic        BasicInfo         `json:"basic"`
	Groups       []Group           `json:"groups,omitempty"`
	Named        NamedSections     `json:"named"`
	Sections     []extract.Section `json:"sections,omitempty"`
	Completeness float64           `json:"completeness"`
	Missing      []string          `json:"missing,omitempty"`
	RawContent   string            `json:"rawContent,omitempty"`
	Decision     Decision          `json:"decision"`
	URL          string            `json:"url,omitempty"` // 发布后的地址
}

type groupSpec struct {
	key    string
	title  string
	fields []extract.Field
}

var groupSpecs = []groupSpec{
	{"personality", "性格特质", []extract.Field{
		extract.FieldPersonalityTraits, extract.FieldCoreCharacteristics, extract.FieldTalents, extract.FieldStrengths,
	}},
	{"study", "学业与兴趣", []extract.Field{
		extract.FieldAcademicDirection, extract.FieldSubjectPreferences, extract.FieldInterestRecommendations, extract.FieldHobbies,
	}},
	{"career", "职业方向", []extract.Field{
		extract.FieldCareerDirection, extract.FieldIndustryRecommendations,
	}},
	{"fortune", "运势", []extract.Field{
		extract.FieldCurrentFortune, extract.FieldFutureOutlook, extract.FieldLuckyElements,
		extract.FieldYearForecast, extract.FieldImportantEvents,
	}},
	{"growth", "成长建议", []extract.Field{
		extract.FieldGrowthAdvice, extract.FieldDevelopmentSuggestions,
	}},
}

var (
	overviewKeywords   = []string{"概览", "概述", "总览", "基本信息", "命主信息"}
	analysisKeywords   = []string{"分析", "解读", "详解", "命盘"}
	suggestionKeywords = []string{"建议", "指导", "规划"}
	conclusionKeywords = []string{"总结", "结论", "结语", "寄语"}
)

// Assemble 由一次提取结果组装卡片，minCompleteness 为提示阈值
func Assemble(sessionID string, analysis extract.Analysis, minCompleteness float64, now time.Time) KnowledgeCard {
	record := analysis.Record
	card := KnowledgeCard{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		CreatedAt: now,
		Basic: BasicInfo{
			Name:        record.Value(extract.FieldName),
			Gender:      record.Value(extract.FieldGender),
			BirthDate:   record.Value(extract.FieldBirthDate),
			BirthTime:   record.Value(extract.FieldBirthTime),
			FourPillars: record.Value(extract.FieldFourPillars),
			MainStar:    record.Value(extract.FieldMainStar),
			BodyPalace:  record.Value(extract.FieldBodyPalace),
		},
		Sections:     analysis.Sections,
		Completeness: record.Completeness(),
		RawContent:   record.RawContent,
		Decision:     Evaluate(record, minCompleteness),
	}
	for _, spec := range groupSpecs {
		group := Group{Key: spec.key, Title: spec.title}
		for _, field := range spec.fields {
			if value, ok := record.Get(field); ok {
				group.Items = append(group.Items, Item{Label: field.Label(), Value: value})
			}
		}
		if len(group.Items) > 0 {
			card.Groups = append(card.Groups, group)
		}
	}
	for _, field := range record.Missing() {
		card.Missing = append(card.Missing, field.Label())
	}
	card.Named = PickNamed(analysis.Sections)
	return card
}

// Evaluate 有任何字段或原始内容就渲染，完整度低于阈值时提示
func Evaluate(record extract.Record, minCompleteness float64) Decision {
	if minCompleteness <= 0 || minCompleteness > 1 {
		minCompleteness = DefaultMinCompleteness
	}
	completeness := record.Completeness()
	decision := Decision{Completeness: completeness}
	switch {
	case completeness == 0 && strings.TrimSpace(record.RawContent) == "":
		decision.Reason = "没有可展示的内容"
	case completeness == 0:
		decision.Render = true
		decision.Warn = true
		decision.Reason = "未识别到结构化字段，仅展示原始内容"
	case completeness < minCompleteness:
		decision.Render = true
		decision.Warn = true
		decision.Reason = "识别到的字段较少，卡片可能不完整"
	default:
		decision.Render = true
	}
	return decision
}

// PickNamed 先按标题关键字挑选，再用位置兜底：第一节为概览，最后一节为结论
func PickNamed(sections []extract.Section) NamedSections {
	var named NamedSections
	used := make(map[int]bool, len(sections))
	pick := func(keywords []string) *extract.Section {
		for i := range sections {
			if used[i] {
				continue
			}
			if containsAny(sections[i].Title, keywords) {
				used[i] = true
				section := sections[i]
				return &section
			}
		}
		return nil
	}
	named.Overview = pick(overviewKeywords)
	named.Conclusion = pick(conclusionKeywords)
	named.Suggestions = pick(suggestionKeywords)
	named.Analysis = pick(analysisKeywords)

	if named.Overview == nil && len(sections) > 0 && !used[0] {
		used[0] = true
		section := sections[0]
		named.Overview = &section
	}
	if last := len(sections) - 1; named.Conclusion == nil && last > 0 && !used[last] {
		used[last] = true
		section := sections[last]
		named.Conclusion = &section
	}
	return named
}

func containsAny(text string, keywords []string) bool {
	for _, keyword := range keywords {
		if strings.Contains(text, keyword) {
			return true
		}
	}
	return false
}
