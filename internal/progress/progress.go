// Package progress derives job progress from the crawler's stdout.
//
// A line starting with "@progress " followed by a JSON object is a
// structured record and is trusted as is. Any other line goes through an
// ordered list of phrase rules; the first matching rule wins and lines
// matching nothing are ignored.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/mediacrawler/harvester/internal/model"
)

const (
	StageStarting    = "starting"
	StageLoggingIn   = "logging_in"
	StageLoggedIn    = "logged_in"
	StageQRCodeLogin = "qrcode_login"
	StagePhoneLogin  = "phone_login"
	StageCrawling    = "crawling"
	StageSaving      = "saving"
	StageCompleted   = "completed"
)

// RecordPrefix marks a structured progress line.
const RecordPrefix = "@progress "

// Record is the structured progress line emitted by cooperating crawlers.
type Record struct {
	Stage          string   `json:"stage"`
	Percent        *float64 `json:"percent,omitempty"`
	ItemsTotal     *int     `json:"items_total,omitempty"`
	ItemsCompleted *int     `json:"items_completed,omitempty"`
	ItemsFailed    *int     `json:"items_failed,omitempty"`
	CurrentItem    *string  `json:"current_item,omitempty"`
	Message        string   `json:"message,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// Result is what one stdout line means for the journal. Update is nil for
// lines which only produce an event.
type Result struct {
	Update  *model.ProgressUpdate
	Event   model.EventType
	Message string
	Data    map[string]any
}

// Sink is the part of a journal the parser writes to.
type Sink interface {
	Update(ctx context.Context, u model.ProgressUpdate) model.ProgressSnapshot
	Log(ctx context.Context, typ model.EventType, msg string, data map[string]any, err error)
}

type rule struct {
	rx    *regexp.Regexp
	apply func(line string, m []string) Result
}

func fixed(stage string, pct float64) func(string, []string) Result {
	return func(string, []string) Result {
		return Result{Update: &model.ProgressUpdate{Stage: stage, Percent: model.Float(pct)}}
	}
}

func ratio(_ string, m []string) Result {
	done, _ := strconv.Atoi(m[1])
	total, _ := strconv.Atoi(m[2])
	if total <= 0 {
		return Result{}
	}
	pct := min(40+float64(done)/float64(total)*50, 90)
	return Result{Update: &model.ProgressUpdate{
		Stage:          StageCrawling,
		Percent:        model.Float(pct),
		ItemsTotal:     model.Int(total),
		ItemsCompleted: model.Int(done),
	}}
}

func page(_ string, m []string) Result {
	return Result{Update: &model.ProgressUpdate{
		Stage:       StageCrawling,
		CurrentItem: model.String("page " + m[1]),
	}}
}

func saved(_ string, m []string) Result {
	n, _ := strconv.Atoi(m[1])
	return Result{
		Update: &model.ProgressUpdate{
			Stage:          StageSaving,
			Percent:        model.Float(95),
			ItemsCompleted: model.Int(n),
		},
		Event:   model.EventDataSaved,
		Message: fmt.Sprintf("saved %d items", n),
		Data:    map[string]any{"count": n},
	}
}

func event(typ model.EventType, prefix string) func(string, []string) Result {
	return func(line string, _ []string) Result {
		return Result{Event: typ, Message: prefix + line}
	}
}

func rx(s string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)` + s)
}

var rules = []rule{
	// login
	{rx(`开始登录`), fixed(StageLoggingIn, 20)},
	{rx(`登录成功`), fixed(StageLoggedIn, 30)},
	{rx(`扫码登录`), fixed(StageQRCodeLogin, 25)},
	{rx(`手机登录`), fixed(StagePhoneLogin, 25)},
	// crawl
	{rx(`开始爬取`), fixed(StageCrawling, 40)},
	{rx(`正在爬取第\s*(\d+)\s*页`), page},
	{rx(`已爬取\s*(\d+)\s*/\s*(\d+)`), ratio},
	{rx(`爬取.*?(\d+)\s*条.*?共\s*(\d+)`), ratio},
	// save
	{rx(`开始保存`), fixed(StageSaving, 90)},
	{rx(`保存.*?(\d+)\s*条`), saved},
	{rx(`保存完成`), fixed(StageCompleted, 100)},
	// errors
	{rx(`错误|失败|异常|Error|Exception`), event(model.EventCrawlerError, "crawler reported error: ")},
	// noteworthy
	{rx(`开始|完成|成功|关键词|用户|内容`), event(model.EventTaskProgress, "crawler: ")},
}

// Parse interprets one stdout line. ok is false for lines carrying no
// information.
func Parse(line string) (Result, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Result{}, false
	}
	if r, ok := parseRecord(line); ok {
		return r, true
	}
	for _, rl := range rules {
		m := rl.rx.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		r := rl.apply(line, m)
		return r, r.Update != nil || r.Event != ""
	}
	return Result{}, false
}

func parseRecord(line string) (Result, bool) {
	raw, ok := strings.CutPrefix(line, RecordPrefix)
	if !ok {
		return Result{}, false
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Result{}, false
	}
	if rec.Error != "" {
		return Result{Event: model.EventCrawlerError, Message: rec.Error}, true
	}
	return Result{Update: &model.ProgressUpdate{
		Stage:          rec.Stage,
		Percent:        rec.Percent,
		ItemsTotal:     rec.ItemsTotal,
		ItemsCompleted: rec.ItemsCompleted,
		ItemsFailed:    rec.ItemsFailed,
		CurrentItem:    rec.CurrentItem,
		Message:        rec.Message,
	}}, true
}

// Apply parses line and writes the outcome to sink. It reports whether the
// line carried any information.
func Apply(ctx context.Context, sink Sink, line string) bool {
	r, ok := Parse(line)
	if !ok {
		return false
	}
	if r.Update != nil {
		sink.Update(ctx, *r.Update)
	}
	if r.Event != "" {
		sink.Log(ctx, r.Event, r.Message, r.Data, nil)
	}
	return true
}

var countPatterns = []*regexp.Regexp{
	rx(`共爬取\s*(\d+)\s*条`),
	rx(`获取\s*(\d+)\s*条数据`),
	rx(`crawled\s*(\d+)\s*items`),
	rx(`total[:\s]*(\d+)`),
	rx(`保存.*?(\d+)\s*条`),
	rx(`完成.*?(\d+)\s*个`),
}

// FinalCount returns the number of collected items reported in output.
// The first pattern with any match decides and its largest value wins.
func FinalCount(output string) int {
	for _, p := range countPatterns {
		matches := p.FindAllStringSubmatch(output, -1)
		if len(matches) == 0 {
			continue
		}
		best := 0
		for _, m := range matches {
			if n, err := strconv.Atoi(m[1]); err == nil && n > best {
				best = n
			}
		}
		return best
	}
	return 0
}
