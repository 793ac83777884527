package biz

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"agentmesh/cmd/remote-agent/internal/infra/listings"
	"agentmesh/pkg/protocol"
	"agentmesh/pkg/taskstore"
)

// ListingSearcher 房源搜索
type ListingSearcher interface {
	Search(ctx context.Context, q listings.Query) ([]listings.Listing, error)
}

const (
	slotLocation = "location"
	slotCheckin  = "checkin"
	slotCheckout = "checkout"
	slotAdults   = "adults"
	slotAwaiting = "awaiting"

	awaitingConfirmation = "confirmation"
	dateLayout           = "2006-01-02"
)

var (
	isoDatePattern   = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b`)
	monthDatePattern = regexp.MustCompile(`(?i)\b(jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|jun(?:e)?|jul(?:y)?|aug(?:ust)?|sep(?:t(?:ember)?)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)\.?\s+(\d{1,2})(?:st|nd|rd|th)?(?:,?\s+(\d{4}))?`)
	adultsPattern    = regexp.MustCompile(`(?i)\b(\d{1,2})\s+(?:adults?|guests?|people|persons)\b`)
	locationPattern  = regexp.MustCompile(`\bin\s+([A-Z][A-Za-z.'-]*(?:\s+[A-Z][A-Za-z.'-]*)*(?:,\s*[A-Z]{2}\b)?)`)
	monthWordPattern = regexp.MustCompile(`(?i)^(jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|jun(?:e)?|jul(?:y)?|aug(?:ust)?|sep(?:t(?:ember)?)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)\.?$`)
	checkoutHint     = regexp.MustCompile(`(?i)check-?\s?out`)
	affirmative      = regexp.MustCompile(`(?i)^\s*(yes|y|yep|yeah|sure|ok|okay|confirm|confirmed|go ahead|book it|search)\b`)
	negative         = regexp.MustCompile(`(?i)^\s*(no|nope|cancel|stop|never mind|nevermind)\b`)
)

var monthIndex = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
	"sep": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
}

// StaysExecutor 住宿搜索智能体：多轮收集地点、日期、人数，确认后搜索
type StaysExecutor struct {
	searcher ListingSearcher
	now      func() time.Time
}

// NewStaysExecutor 创建住宿执行器
func NewStaysExecutor(searcher ListingSearcher) *StaysExecutor {
	return &StaysExecutor{searcher: searcher, now: time.Now}
}

// Describe 名片描述
func (e *StaysExecutor) Describe() (string, []protocol.Skill) {
	return "Helps with searching accommodation", []protocol.Skill{{
		ID:          "stays_search",
		Name:        "Search accommodation",
		Description: "Searches for accommodations that are fully available between check-in and checkout dates",
		Tags:        []string{"accommodation", "stay", "room", "hotel", "airbnb"},
		Examples:    []string{"Please find a room in LA, CA, April 15, 2025, checkout date is april 18, 2 adults"},
	}}
}

// Execute 执行一轮
func (e *StaysExecutor) Execute(ctx context.Context, tc *taskstore.Context, msg protocol.Message) (*Outcome, error) {
	if tc.Slot(slotAwaiting) == awaitingConfirmation {
		switch {
		case affirmative.MatchString(msg.Text) || msg.Data["confirm"] == true:
			return e.search(ctx, tc)
		case negative.MatchString(msg.Text) || msg.Data["confirm"] == false:
			tc.SetSlot(slotAwaiting, "")
			return done("Okay, I cancelled the accommodation search.", map[string]any{"cancelled": true}), nil
		}
	}

	e.fillSlots(tc, msg)

	if problem := validateStay(tc); problem != "" {
		tc.SetSlot(slotAwaiting, "")
		return reply(problem, slotData(tc)), nil
	}

	if missing := missingSlots(tc); len(missing) > 0 {
		tc.SetSlot(slotAwaiting, missing[0])
		return reply(askFor(missing), slotData(tc)), nil
	}

	tc.SetSlot(slotAwaiting, awaitingConfirmation)
	return reply(fmt.Sprintf(
		"Search stays in %s from %s to %s for %s adult(s)? Reply yes to confirm, or tell me what to change.",
		tc.Slot(slotLocation), tc.Slot(slotCheckin), tc.Slot(slotCheckout), tc.Slot(slotAdults),
	), slotData(tc)), nil
}

func (e *StaysExecutor) search(ctx context.Context, tc *taskstore.Context) (*Outcome, error) {
	adults, _ := strconv.Atoi(tc.Slot(slotAdults))
	found, err := e.searcher.Search(ctx, listings.Query{
		Location: tc.Slot(slotLocation),
		Checkin:  tc.Slot(slotCheckin),
		Checkout: tc.Slot(slotCheckout),
		Adults:   adults,
	})
	if err != nil {
		return nil, err
	}
	tc.SetSlot(slotAwaiting, "")

	data := slotData(tc)
	data["listings"] = found
	if len(found) == 0 {
		return done(fmt.Sprintf("No accommodation in %s is fully available between %s and %s.",
			tc.Slot(slotLocation), tc.Slot(slotCheckin), tc.Slot(slotCheckout)), data), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d stays in %s from %s to %s:\n", len(found), tc.Slot(slotLocation), tc.Slot(slotCheckin), tc.Slot(slotCheckout))
	for i, l := range found {
		fmt.Fprintf(&b, "%d. %s", i+1, l.Name)
		if l.Price != "" {
			fmt.Fprintf(&b, " (%s)", l.Price)
		}
		if l.URL != "" {
			fmt.Fprintf(&b, " %s", l.URL)
		}
		b.WriteString("\n")
	}
	return done(strings.TrimRight(b.String(), "\n"), data), nil
}

// fillSlots 从结构化数据和文本中提取槽位，后到的值覆盖先前的值
func (e *StaysExecutor) fillSlots(tc *taskstore.Context, msg protocol.Message) {
	for _, key := range []string{slotLocation, slotCheckin, slotCheckout} {
		if v, ok := msg.Data[key].(string); ok && strings.TrimSpace(v) != "" {
			tc.SetSlot(key, normalizeDate(key, strings.TrimSpace(v)))
		}
	}
	if v, ok := msg.Data[slotAdults]; ok {
		if n, err := toFloat(v); err == nil && n >= 1 {
			tc.SetSlot(slotAdults, strconv.Itoa(int(n)))
		}
	}

	text := msg.Text
	if location := findLocation(text); location != "" {
		tc.SetSlot(slotLocation, location)
	} else if tc.Slot(slotAwaiting) == slotLocation && strings.TrimSpace(text) != "" && len(parseDates(text, e.defaultYear(tc))) == 0 {
		tc.SetSlot(slotLocation, strings.Trim(strings.TrimSpace(text), ".!?"))
	}

	if m := adultsPattern.FindStringSubmatch(text); m != nil {
		tc.SetSlot(slotAdults, m[1])
	} else if tc.Slot(slotAwaiting) == slotAdults {
		if n, err := strconv.Atoi(strings.TrimSpace(text)); err == nil && n >= 1 {
			tc.SetSlot(slotAdults, strconv.Itoa(n))
		}
	}

	dates := parseDates(text, e.defaultYear(tc))
	switch {
	case len(dates) >= 2:
		tc.SetSlot(slotCheckin, dates[0].Format(dateLayout))
		tc.SetSlot(slotCheckout, dates[1].after(dates[0].Time).Format(dateLayout))
	case len(dates) == 1:
		single := dates[0]
		if checkoutHint.MatchString(text) || tc.Slot(slotAwaiting) == slotCheckout || (tc.Slot(slotCheckin) != "" && tc.Slot(slotCheckout) == "") {
			if checkin, err := time.Parse(dateLayout, tc.Slot(slotCheckin)); err == nil {
				single.Time = single.after(checkin)
			}
			tc.SetSlot(slotCheckout, single.Format(dateLayout))
		} else {
			tc.SetSlot(slotCheckin, single.Format(dateLayout))
		}
	}
}

// findLocation 提取 "in <地点>"，忽略 "in April 15" 这类日期
func findLocation(text string) string {
	for _, m := range locationPattern.FindAllStringSubmatch(text, -1) {
		location := strings.TrimSpace(m[1])
		if first := strings.Fields(location)[0]; monthWordPattern.MatchString(strings.TrimRight(first, ",")) {
			continue
		}
		return location
	}
	return ""
}

// defaultYear 未写年份的日期沿用入住年份，没有入住日期时取当前年份
func (e *StaysExecutor) defaultYear(tc *taskstore.Context) int {
	if in, err := time.Parse(dateLayout, tc.Slot(slotCheckin)); err == nil {
		return in.Year()
	}
	return e.now().Year()
}

// parsedDate 解析出的日期，yearless 表示年份是推断的
type parsedDate struct {
	time.Time
	yearless bool
}

// after 未写年份且月份早于 ref 的日期顺延一年，例如 12 月入住 1 月退房
func (d parsedDate) after(ref time.Time) time.Time {
	if d.yearless && d.Year() == ref.Year() && d.Month() < ref.Month() {
		return d.Time.AddDate(1, 0, 0)
	}
	return d.Time
}

// parseDates 按出现顺序解析 ISO 日期和 "April 15, 2025" 格式日期
func parseDates(text string, defaultYear int) []parsedDate {
	type hit struct {
		pos int
		d   parsedDate
	}
	var hits []hit

	for _, idx := range isoDatePattern.FindAllStringSubmatchIndex(text, -1) {
		if t, err := time.Parse(dateLayout, text[idx[2]:idx[3]]); err == nil {
			hits = append(hits, hit{idx[0], parsedDate{Time: t}})
		}
	}

	var lastYear int
	for _, idx := range monthDatePattern.FindAllStringSubmatchIndex(text, -1) {
		month := monthIndex[strings.ToLower(text[idx[2]:idx[2]+3])]
		day, _ := strconv.Atoi(text[idx[4]:idx[5]])
		year, yearless := lastYear, true
		if idx[6] >= 0 {
			year, _ = strconv.Atoi(text[idx[6]:idx[7]])
			yearless = false
		}
		if year == 0 {
			year = defaultYear
		}
		t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
		if t.Day() != day {
			continue
		}
		lastYear = year
		hits = append(hits, hit{idx[0], parsedDate{Time: t, yearless: yearless}})
	}

	// 按出现位置排序
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].pos < hits[j-1].pos; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}

	out := make([]parsedDate, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.d)
	}
	return out
}

func normalizeDate(key, value string) string {
	if key != slotCheckin && key != slotCheckout {
		return value
	}
	if dates := parseDates(value, time.Now().Year()); len(dates) > 0 {
		return dates[0].Format(dateLayout)
	}
	return value
}

// validateStay 校验日期，无法识别的日期被清除后重新询问；合法时返回空串
func validateStay(tc *taskstore.Context) string {
	var unreadable []string
	for _, key := range []string{slotCheckin, slotCheckout} {
		if v := tc.Slot(key); v != "" {
			if _, err := time.Parse(dateLayout, v); err != nil {
				tc.SetSlot(key, "")
				unreadable = append(unreadable, fmt.Sprintf("%q", v))
			}
		}
	}
	if len(unreadable) > 0 {
		return fmt.Sprintf("I could not read %s as a date. Please give check-in and checkout dates as YYYY-MM-DD.",
			strings.Join(unreadable, " or "))
	}

	in, out := tc.Slot(slotCheckin), tc.Slot(slotCheckout)
	if in == "" || out == "" {
		return ""
	}
	checkin, _ := time.Parse(dateLayout, in)
	checkout, _ := time.Parse(dateLayout, out)
	if !checkout.After(checkin) {
		tc.SetSlot(slotCheckout, "")
		return fmt.Sprintf("The checkout date must be after check-in (%s). What is your checkout date?", in)
	}
	return ""
}

func missingSlots(tc *taskstore.Context) []string {
	var missing []string
	for _, key := range []string{slotLocation, slotCheckin, slotCheckout, slotAdults} {
		if tc.Slot(key) == "" {
			missing = append(missing, key)
		}
	}
	return missing
}

func askFor(missing []string) string {
	labels := map[string]string{
		slotLocation: "where you want to stay",
		slotCheckin:  "your check-in date",
		slotCheckout: "your checkout date",
		slotAdults:   "how many adults",
	}
	parts := make([]string, 0, len(missing))
	for _, key := range missing {
		parts = append(parts, labels[key])
	}
	return "To search for accommodation I still need " + strings.Join(parts, ", ") + "."
}

func slotData(tc *taskstore.Context) map[string]any {
	data := map[string]any{}
	for _, key := range []string{slotLocation, slotCheckin, slotCheckout, slotAdults} {
		if v := tc.Slot(key); v != "" {
			data[key] = v
		}
	}
	return data
}
