// 本文件用于从正文中按模式级联提取命盘字段
package extract

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// Field 提取字段名
type Field string

const (
	FieldName                    Field = "name"
	FieldGender                  Field = "gender"
	FieldBirthDate               Field = "birthDate"
	FieldBirthTime               Field = "birthTime"
	FieldFourPillars             Field = "fourPillars"
	FieldMainStar                Field = "mainStar"
	FieldBodyPalace              Field = "bodyPalace"
	FieldPersonalityTraits       Field = "personalityTraits"
	FieldCoreCharacteristics     Field = "coreCharacteristics"
	FieldTalents                 Field = "talents"
	FieldStrengths               Field = "strengths"
	FieldAcademicDirection       Field = "academicDirection"
	FieldSubjectPreferences      Field = "subjectPreferences"
	FieldInterestRecommendations Field = "interestRecommendations"
	FieldHobbies                 Field = "hobbies"
	FieldCareerDirection         Field = "careerDirection"
	FieldIndustryRecommendations Field = "industryRecommendations"
	FieldCurrentFortune          Field = "currentFortune"
	FieldFutureOutlook           Field = "futureOutlook"
	FieldLuckyElements           Field = "luckyElements"
	FieldGrowthAdvice            Field = "growthAdvice"
	FieldDevelopmentSuggestions  Field = "developmentSuggestions"
	FieldYearForecast            Field = "yearForecast"
	FieldImportantEvents         Field = "importantEvents"
)

var fieldLabels = map[Field]string{
	FieldName:                    "姓名",
	FieldGender:                  "性别",
	FieldBirthDate:               "出生日期",
	FieldBirthTime:               "出生时间",
	FieldFourPillars:             "八字",
	FieldMainStar:                "命宫主星",
	FieldBodyPalace:              "身宫",
	FieldPersonalityTraits:       "性格特点",
	FieldCoreCharacteristics:     "核心特质",
	FieldTalents:                 "天赋才能",
	FieldStrengths:               "优势",
	FieldAcademicDirection:       "学业方向",
	FieldSubjectPreferences:      "学科偏好",
	FieldInterestRecommendations: "兴趣推荐",
	FieldHobbies:                 "兴趣爱好",
	FieldCareerDirection:         "职业方向",
	FieldIndustryRecommendations: "适合行业",
	FieldCurrentFortune:          "当前运势",
	FieldFutureOutlook:           "未来展望",
	FieldLuckyElements:           "幸运元素",
	FieldGrowthAdvice:            "成长建议",
	FieldDevelopmentSuggestions:  "发展建议",
	FieldYearForecast:            "流年运势",
	FieldImportantEvents:         "重要事件",
}

// Label 字段的中文名
func (f Field) Label() string {
	if label, ok := fieldLabels[f]; ok {
		return label
	}
	return string(f)
}

// Record 字段提取结果。缺失字段不出现在 Fields 中。
type Record struct {
	Fields     map[Field]string `json:"fields"`
	RawContent string           `json:"rawContent"`
}

// Get 读取字段
func (r Record) Get(f Field) (string, bool) {
	v, ok := r.Fields[f]
	return v, ok
}

// Value 读取字段，缺失时为空串
func (r Record) Value(f Field) string {
	return r.Fields[f]
}

// PresentCount 已提取到的字段数
func (r Record) PresentCount() int {
	count := 0
	for _, f := range extractors {
		if _, ok := r.Fields[f.field]; ok {
			count++
		}
	}
	return count
}

// Completeness 完整度 = 已提取字段数 / 跟踪字段总数
func (r Record) Completeness() float64 {
	return float64(r.PresentCount()) / float64(len(extractors))
}

// Missing 按固定顺序列出缺失字段
func (r Record) Missing() []Field {
	var missing []Field
	for _, f := range extractors {
		if _, ok := r.Fields[f.field]; !ok {
			missing = append(missing, f.field)
		}
	}
	return missing
}

// TrackedFields 参与完整度计算的字段，按输出顺序排列
func TrackedFields() []Field {
	fields := make([]Field, 0, len(extractors))
	for _, f := range extractors {
		fields = append(fields, f.field)
	}
	return fields
}

type fieldExtractor struct {
	field Field
	fn    func(text string) (string, bool)
}

var extractors = []fieldExtractor{
	{FieldName, extractName},
	{FieldGender, extractGender},
	{FieldBirthDate, extractBirthDate},
	{FieldBirthTime, extractBirthTime},
	{FieldFourPillars, extractFourPillars},
	{FieldMainStar, extractMainStar},
	{FieldBodyPalace, extractBodyPalace},
	{FieldPersonalityTraits, extractPersonalityTraits},
	{FieldCoreCharacteristics, extractCoreCharacteristics},
	{FieldTalents, extractTalents},
	{FieldStrengths, extractStrengths},
	{FieldAcademicDirection, extractAcademicDirection},
	{FieldSubjectPreferences, extractSubjectPreferences},
	{FieldInterestRecommendations, extractInterestRecommendations},
	{FieldHobbies, extractHobbies},
	{FieldCareerDirection, extractCareerDirection},
	{FieldIndustryRecommendations, extractIndustryRecommendations},
	{FieldCurrentFortune, extractCurrentFortune},
	{FieldFutureOutlook, extractFutureOutlook},
	{FieldLuckyElements, extractLuckyElements},
	{FieldGrowthAdvice, extractGrowthAdvice},
	{FieldDevelopmentSuggestions, extractDevelopmentSuggestions},
	{FieldYearForecast, extractYearForecast},
	{FieldImportantEvents, extractImportantEvents},
}

// Extract 对正文逐字段尝试模式级联，命中的第一个非空值生效。
// 空白输入返回全部缺失的结果。
func Extract(text string) Record {
	record := Record{Fields: make(map[Field]string)}
	trimmed := strings.TrimSpace(strings.ReplaceAll(text, "\r\n", "\n"))
	if trimmed == "" {
		return record
	}
	record.RawContent = trimmed
	for _, ex := range extractors {
		if value, ok := ex.fn(trimmed); ok {
			record.Fields[ex.field] = value
		}
	}
	return record
}

const bulletPrefix = `(?:[-*+•·][ \t]+|\d{1,2}[.、)）][ \t]*)?`

// labelMatcher 同一组标签的模式级联，越具体的写法越靠前
type labelMatcher struct {
	patterns []*regexp.Regexp
}

func newLabelMatcher(labels ...string) labelMatcher {
	sorted := append([]string(nil), labels...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return utf8.RuneCountInString(sorted[i]) > utf8.RuneCountInString(sorted[j])
	})
	quoted := make([]string, len(sorted))
	for i, label := range sorted {
		quoted[i] = regexp.QuoteMeta(label)
	}
	alt := "(?:" + strings.Join(quoted, "|") + ")"
	return labelMatcher{patterns: []*regexp.Regexp{
		// **标签**：值
		regexp.MustCompile(`\*\*[ \t]*` + alt + `[ \t]*\*\*[ \t]*[:：][ \t]*([^\n]+)`),
		// **标签：**值
		regexp.MustCompile(`\*\*[ \t]*` + alt + `[ \t]*[:：][ \t]*\*\*[ \t]*([^\n]+)`),
		// 行首 标签：值，允许列表符号
		regexp.MustCompile(`(?m)^[ \t]*` + bulletPrefix + alt + `[ \t]*[:：][ \t]*([^\n]+)`),
		// 行内 标签：值，截到句读
		regexp.MustCompile(alt + `[ \t]*[:：][ \t]*([^\n，,；;。]+)`),
		// 行首 标签 值，无标点
		regexp.MustCompile(`(?m)^[ \t]*` + bulletPrefix + alt + `[ \t]+([^\n]+)`),
	}}
}

func (m labelMatcher) find(text string, clean func(string) string) (string, bool) {
	for _, pattern := range m.patterns {
		for _, match := range pattern.FindAllStringSubmatch(text, -1) {
			if value := clean(match[1]); value != "" {
				return value, true
			}
		}
	}
	return "", false
}

// textRule 长文本字段：标签级联之后依次退到标题小节正文、关键词句子
type textRule struct {
	labels   labelMatcher
	keywords []string
}

func newTextRule(labels []string, keywords ...string) textRule {
	return textRule{labels: newLabelMatcher(labels...), keywords: keywords}
}

func (r textRule) find(text string) (string, bool) {
	if value, ok := r.labels.find(text, cleanValue); ok {
		return value, true
	}
	if value := sectionBodyFor(text, r.keywords); value != "" {
		return value, true
	}
	if value := keywordSentence(text, r.keywords); value != "" {
		return value, true
	}
	return "", false
}

var (
	nameMatcher      = newLabelMatcher("姓名", "名字", "宝宝姓名", "孩子姓名", "命主姓名")
	genderMatcher    = newLabelMatcher("性别")
	birthDateMatcher = newLabelMatcher("出生日期", "公历生日", "阳历生日", "农历生日", "生日", "出生年月日", "公历", "阳历", "农历")
	birthTimeMatcher = newLabelMatcher("出生时间", "出生时辰", "出生时刻", "时辰")
	pillarsMatcher   = newLabelMatcher("八字", "四柱", "生辰八字", "四柱八字", "命盘八字")
	mainStarMatcher  = newLabelMatcher("命宫主星", "主星")
	bodyPalaceMatch  = newLabelMatcher("身宫", "身宫主星")
	yearPillar       = newLabelMatcher("年柱")
	monthPillar      = newLabelMatcher("月柱")
	dayPillar        = newLabelMatcher("日柱")
	hourPillar       = newLabelMatcher("时柱")

	personalityRule = newTextRule([]string{"性格特点", "性格特征", "性格分析", "性格"}, "性格")
	coreRule        = newTextRule([]string{"核心特质", "核心特征", "核心性格", "本质特点"}, "核心特质", "特质")
	talentsRule     = newTextRule([]string{"天赋才能", "天赋潜能", "天赋", "才能"}, "天赋")
	strengthsRule   = newTextRule([]string{"优势", "优点", "性格优势"}, "优势", "优点")
	academicRule    = newTextRule([]string{"学业方向", "学业建议", "学习方向", "学业"}, "学业")
	subjectRule     = newTextRule([]string{"学科偏好", "擅长科目", "适合学科", "优势学科"}, "学科", "科目")
	interestRule    = newTextRule([]string{"兴趣推荐", "兴趣培养", "兴趣建议"}, "兴趣推荐", "兴趣培养")
	hobbiesRule     = newTextRule([]string{"兴趣爱好", "特长爱好", "爱好"}, "爱好")
	careerRule      = newTextRule([]string{"职业方向", "职业发展", "事业方向", "职业"}, "职业", "事业")
	industryRule    = newTextRule([]string{"适合行业", "行业推荐", "推荐行业", "行业"}, "行业")
	currentRule     = newTextRule([]string{"当前运势", "目前运势", "近期运势", "大运"}, "当前运势", "目前运势", "大运")
	outlookRule     = newTextRule([]string{"未来展望", "未来发展", "前景展望"}, "未来", "前景")
	luckyRule       = newTextRule([]string{"幸运元素", "喜用神", "用神", "幸运色", "五行喜忌"}, "喜用", "幸运")
	growthRule      = newTextRule([]string{"成长建议", "养育建议", "教育建议", "家长建议"}, "成长建议", "养育", "教育建议")
	developmentRule = newTextRule([]string{"发展建议", "发展方向"}, "发展建议", "发展方向")
	yearRule        = newTextRule([]string{"流年运势", "年度运势", "今年运势", "流年", "年运"}, "流年", "年运", "今年")
	eventsRule      = newTextRule([]string{"重要事件", "大事提醒", "关键节点", "注意事项"}, "重要事件", "关键节点", "注意")
)

var (
	datePattern        = regexp.MustCompile(`\d{4}[年\-/.]\d{1,2}[月\-/.]\d{1,2}日?`)
	clockPattern       = regexp.MustCompile(`\d{1,2}[:：]\d{2}`)
	shichenPattern     = regexp.MustCompile(`[子丑寅卯辰巳午未申酉戌亥]时`)
	ganzhiPattern      = regexp.MustCompile(`[甲乙丙丁戊己庚辛壬癸][子丑寅卯辰巳午未申酉戌亥]`)
	fourPillarsPattern = regexp.MustCompile(`[甲乙丙丁戊己庚辛壬癸][子丑寅卯辰巳午未申酉戌亥](?:[ \t　、,，]*[甲乙丙丁戊己庚辛壬癸][子丑寅卯辰巳午未申酉戌亥]){3}`)
	genderHintPattern  = regexp.MustCompile(`乾造|坤造|男孩|女孩|男宝|女宝|儿子|女儿|小男生|小女生`)
)

func extractName(text string) (string, bool) {
	return nameMatcher.find(text, cleanScalar)
}

func extractGender(text string) (string, bool) {
	if value, ok := genderMatcher.find(text, func(raw string) string {
		return normalizeGender(cleanScalar(raw))
	}); ok {
		return value, true
	}
	if hint := genderHintPattern.FindString(text); hint != "" {
		return normalizeGender(hint), true
	}
	return "", false
}

// normalizeGender 归一为 男 / 女，无法判断时返回空串
func normalizeGender(raw string) string {
	lower := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case lower == "":
		return ""
	case strings.Contains(lower, "女"), strings.Contains(lower, "坤"),
		strings.Contains(lower, "female"), strings.Contains(lower, "girl"):
		return "女"
	case strings.Contains(lower, "男"), strings.Contains(lower, "乾"),
		strings.Contains(lower, "儿子"), strings.Contains(lower, "male"), strings.Contains(lower, "boy"):
		return "男"
	}
	return ""
}

func extractBirthDate(text string) (string, bool) {
	if value, ok := birthDateMatcher.find(text, cleanScalar); ok {
		return value, true
	}
	if value, ok := birthTimeMatcher.find(text, func(raw string) string {
		return datePattern.FindString(raw)
	}); ok {
		return value, true
	}
	if value := datePattern.FindString(text); value != "" {
		return value, true
	}
	return "", false
}

func extractBirthTime(text string) (string, bool) {
	if value, ok := birthTimeMatcher.find(text, birthTimeValue); ok {
		return value, true
	}
	if value := clockPattern.FindString(text); value != "" {
		return strings.ReplaceAll(value, "：", ":"), true
	}
	if value := shichenPattern.FindString(text); value != "" {
		return value, true
	}
	return "", false
}

// birthTimeValue 出生时间字段常把日期和时刻写在一起，只保留时刻部分
func birthTimeValue(raw string) string {
	value := cleanScalar(raw)
	if !datePattern.MatchString(value) {
		return value
	}
	if clock := clockPattern.FindString(value); clock != "" {
		return strings.ReplaceAll(clock, "：", ":")
	}
	return shichenPattern.FindString(value)
}

func extractFourPillars(text string) (string, bool) {
	if value, ok := pillarsMatcher.find(text, pillarsValue); ok {
		return value, true
	}
	if pillars := fourPillarsPattern.FindString(text); pillars != "" {
		return formatPillars(pillars), true
	}
	return assemblePillars(text)
}

// assemblePillars 由 年柱/月柱/日柱/时柱 四个标签拼出八字，缺一不拼
func assemblePillars(text string) (string, bool) {
	parts := make([]string, 0, 4)
	for _, matcher := range []labelMatcher{yearPillar, monthPillar, dayPillar, hourPillar} {
		value, ok := matcher.find(text, func(raw string) string {
			return ganzhiPattern.FindString(raw)
		})
		if !ok {
			return "", false
		}
		parts = append(parts, value)
	}
	return strings.Join(parts, " "), true
}

func pillarsValue(raw string) string {
	value := cleanValue(raw)
	if pillars := fourPillarsPattern.FindString(value); pillars != "" {
		return formatPillars(pillars)
	}
	return cleanScalar(value)
}

func formatPillars(raw string) string {
	pillars := ganzhiPattern.FindAllString(raw, 4)
	return strings.Join(pillars, " ")
}

func extractMainStar(text string) (string, bool) {
	return mainStarMatcher.find(text, cleanScalar)
}

func extractBodyPalace(text string) (string, bool) {
	return bodyPalaceMatch.find(text, cleanScalar)
}

func extractPersonalityTraits(text string) (string, bool) { return personalityRule.find(text) }

func extractCoreCharacteristics(text string) (string, bool) { return coreRule.find(text) }

func extractTalents(text string) (string, bool) { return talentsRule.find(text) }

func extractStrengths(text string) (string, bool) { return strengthsRule.find(text) }

func extractAcademicDirection(text string) (string, bool) { return academicRule.find(text) }

func extractSubjectPreferences(text string) (string, bool) { return subjectRule.find(text) }

func extractInterestRecommendations(text string) (string, bool) { return interestRule.find(text) }

func extractHobbies(text string) (string, bool) { return hobbiesRule.find(text) }

func extractCareerDirection(text string) (string, bool) { return careerRule.find(text) }

func extractIndustryRecommendations(text string) (string, bool) { return industryRule.find(text) }

func extractCurrentFortune(text string) (string, bool) { return currentRule.find(text) }

func extractFutureOutlook(text string) (string, bool) { return outlookRule.find(text) }

func extractLuckyElements(text string) (string, bool) { return luckyRule.find(text) }

func extractGrowthAdvice(text string) (string, bool) { return growthRule.find(text) }

func extractDevelopmentSuggestions(text string) (string, bool) { return developmentRule.find(text) }

func extractYearForecast(text string) (string, bool) { return yearRule.find(text) }

func extractImportantEvents(text string) (string, bool) { return eventsRule.find(text) }

// cleanValue 去掉值两侧的粗体符号与冒号
func cleanValue(raw string) string {
	value := strings.TrimSpace(raw)
	value = strings.TrimLeft(value, ":：")
	value = strings.Trim(value, "*_ \t")
	value = strings.TrimSpace(value)
	if strings.Trim(value, "-—:：。，,;；*_ \t") == "" {
		return ""
	}
	return value
}

// cleanScalar 短字段只取到下一个粗体标签或分隔符之前
func cleanScalar(raw string) string {
	value := cleanValue(raw)
	if idx := strings.Index(value, "**"); idx > 0 {
		value = value[:idx]
	}
	for _, sep := range []string{"｜", "|", "，", ",", "；", ";"} {
		if idx := strings.Index(value, sep); idx > 0 {
			value = value[:idx]
		}
	}
	value = strings.TrimRight(strings.TrimSpace(value), "。，,；;")
	return cleanValue(value)
}

// sectionBodyFor 标题含关键词的小节正文，直到下一个标题为止
func sectionBodyFor(text string, keywords []string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		title, ok := headingLikeTitle(line)
		if !ok || !containsAny(title, keywords) {
			continue
		}
		var body []string
		for _, next := range lines[i+1:] {
			if _, isHeading := headingLikeTitle(next); isHeading {
				break
			}
			if strings.TrimSpace(next) == "" || rulePattern.MatchString(next) {
				continue
			}
			body = append(body, strings.TrimSpace(next))
		}
		if joined := strings.TrimSpace(strings.Join(body, "\n")); joined != "" {
			return joined
		}
	}
	return ""
}

var (
	boldTitlePattern    = regexp.MustCompile(`^[ \t]*\*\*([^*\n]+)\*\*[ \t]*[:：]?[ \t]*$`)
	numeralTitlePattern = regexp.MustCompile(`^[ \t]*[一二三四五六七八九十]+[、.．][ \t]*([^\n]+)$`)
)

// headingLikeTitle 识别 Markdown 标题、【】标题、独占一行的粗体和中文序号标题
func headingLikeTitle(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return "", false
	}
	if strings.HasPrefix(trimmed, "#") {
		if m := headingLinePattern.FindStringSubmatch(trimmed); m != nil {
			return m[2], true
		}
	}
	if m := bracketTitlePattern.FindStringSubmatch(trimmed); m != nil {
		return m[1], true
	}
	if m := boldTitlePattern.FindStringSubmatch(trimmed); m != nil {
		return m[1], true
	}
	if m := numeralTitlePattern.FindStringSubmatch(trimmed); m != nil {
		return m[1], true
	}
	return "", false
}

var sentenceBreak = regexp.MustCompile(`[^。！？!?\n]+[。！？!?]?`)

// keywordSentence 第一个含关键词且不只是标签本身的句子
func keywordSentence(text string, keywords []string) string {
	for _, line := range strings.Split(text, "\n") {
		if _, isHeading := headingLikeTitle(line); isHeading {
			continue
		}
		for _, sentence := range sentenceBreak.FindAllString(line, -1) {
			for _, keyword := range keywords {
				if !strings.Contains(sentence, keyword) {
					continue
				}
				candidate := cleanValue(listItemPattern.ReplaceAllString(strings.TrimSpace(sentence), ""))
				if utf8.RuneCountInString(candidate) > utf8.RuneCountInString(keyword)+2 {
					return candidate
				}
			}
		}
	}
	return ""
}

func containsAny(text string, keywords []string) bool {
	for _, keyword := range keywords {
		if strings.Contains(text, keyword) {
			return true
		}
	}
	return false
}
