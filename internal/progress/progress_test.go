package progress_test

import (
	"context"
	"testing"

	"github.com/mediacrawler/harvester/internal/journal"
	"github.com/mediacrawler/harvester/internal/model"
	"github.com/mediacrawler/harvester/internal/progress"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()
	type then struct {
		ok        bool
		stage     string
		percent   *float64
		total     *int
		completed *int
		event     model.EventType
	}
	var testCases = []struct {
		scenario string
		given    string
		then     then
	}{
		{"blank", "   ", then{}},
		{"unrelated", "loading module xhs.core", then{}},
		{"login start", "[INFO] 开始登录小红书", then{ok: true, stage: progress.StageLoggingIn, percent: model.Float(20)}},
		{"login ok", "登录成功", then{ok: true, stage: progress.StageLoggedIn, percent: model.Float(30)}},
		{"qrcode", "请使用扫码登录", then{ok: true, stage: progress.StageQRCodeLogin, percent: model.Float(25)}},
		{"phone", "切换手机登录", then{ok: true, stage: progress.StagePhoneLogin, percent: model.Float(25)}},
		{"crawl start", "开始爬取关键词 coffee", then{ok: true, stage: progress.StageCrawling, percent: model.Float(40)}},
		{"crawl page", "正在爬取第 3 页", then{ok: true, stage: progress.StageCrawling}},
		{"crawl ratio", "已爬取 3/5", then{ok: true, stage: progress.StageCrawling, percent: model.Float(70), total: model.Int(5), completed: model.Int(3)}},
		{"crawl ratio capped", "已爬取 10 / 5", then{ok: true, stage: progress.StageCrawling, percent: model.Float(90), total: model.Int(5), completed: model.Int(10)}},
		{"crawl ratio zero total", "已爬取 0/0", then{}},
		{"crawl items of total", "爬取到 4 条笔记，共 8", then{ok: true, stage: progress.StageCrawling, percent: model.Float(65), total: model.Int(8), completed: model.Int(4)}},
		{"save start", "开始保存数据", then{ok: true, stage: progress.StageSaving, percent: model.Float(90)}},
		{"save count", "保存 42 条", then{ok: true, stage: progress.StageSaving, percent: model.Float(95), completed: model.Int(42), event: model.EventDataSaved}},
		{"save done", "保存完成", then{ok: true, stage: progress.StageCompleted, percent: model.Float(100)}},
		{"error zh", "请求失败，重试", then{ok: true, event: model.EventCrawlerError}},
		{"error en", "Traceback: ValueError raised", then{ok: true, event: model.EventCrawlerError}},
		{"exception lower", "unhandled exception", then{ok: true, event: model.EventCrawlerError}},
		{"noteworthy", "用户 123 的主页", then{ok: true, event: model.EventTaskProgress}},
		{
			"structured",
			`@progress {"stage":"crawling","percent":55.5,"items_total":20,"items_completed":11}`,
			then{ok: true, stage: progress.StageCrawling, percent: model.Float(55.5), total: model.Int(20), completed: model.Int(11)},
		},
		{
			"structured error",
			`@progress {"error":"captcha required"}`,
			then{ok: true, event: model.EventCrawlerError},
		},
		{
			"broken structured record falls back to phrases",
			`@progress {"stage": 开始爬取`,
			then{ok: true, stage: progress.StageCrawling, percent: model.Float(40)},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			r, ok := progress.Parse(tc.given)
			require.Equal(t, tc.then.ok, ok)
			if !ok {
				return
			}
			require.Equal(t, tc.then.event, r.Event)
			if tc.then.stage == "" {
				require.Nil(t, r.Update)
				return
			}
			require.NotNil(t, r.Update)
			require.Equal(t, tc.then.stage, r.Update.Stage)
			require.Equal(t, tc.then.percent, r.Update.Percent)
			require.Equal(t, tc.then.total, r.Update.ItemsTotal)
			require.Equal(t, tc.then.completed, r.Update.ItemsCompleted)
		})
	}
}

func TestApply(t *testing.T) {
	t.Parallel()
	j := journal.New("job-1", model.PlatformXHS)
	ctx := context.Background()

	lines := []string{"开始爬取", "已爬取 3/5", "nothing here", "保存完成"}
	var applied int
	for _, l := range lines {
		if progress.Apply(ctx, j, l) {
			applied++
		}
	}
	require.Equal(t, 3, applied)

	snap := j.Progress()
	require.Equal(t, progress.StageCompleted, snap.Stage)
	require.Equal(t, 100.0, snap.Percent)
	require.Equal(t, 3, snap.ItemsCompleted)

	events := j.Recent(0)
	require.Len(t, events, 3)
	require.Equal(t, 70.0, events[1].Progress.Percent)
	require.Equal(t, 3, events[1].Progress.ItemsCompleted)
}

func TestFinalCount(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		given string
		then  int
	}{
		{"", 0},
		{"保存 42 条", 42},
		{"共爬取 10 条\n共爬取 25 条\n保存 99 条", 25},
		{"获取 7 条数据", 7},
		{"crawled 12 items", 12},
		{"Total: 31", 31},
		{"完成 5 个创作者", 5},
		{"no numbers at all", 0},
	}
	for _, tc := range testCases {
		t.Run(tc.given, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.then, progress.FinalCount(tc.given))
		})
	}
}
