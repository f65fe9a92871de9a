// Package platform holds the fixed per-platform data: crawler flag names,
// default tuning and the login surface.
package platform

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/mediacrawler/harvester/internal/model"
)

// Descriptor is everything platform specific the orchestrator and the
// login manager need.
type Descriptor struct {
	ID   model.Platform
	Name string
	// ContentFlag and CreatorFlag carry the ;-joined identifier lists for
	// detail and creator jobs. An empty flag means the job type is not
	// supported by the crawler for this platform.
	ContentFlag string
	CreatorFlag string
	Defaults    model.Overrides
	LoginURL    string
	// SessionCookie changes its value when an interactive login succeeds.
	SessionCookie string
}

var table = map[model.Platform]Descriptor{
	model.PlatformXHS: {
		ID:            model.PlatformXHS,
		Name:          "小红书",
		ContentFlag:   "--xhs_note_urls",
		CreatorFlag:   "--xhs_creator_ids",
		Defaults:      defaults(2, 4, 100, 45),
		LoginURL:      "https://www.xiaohongshu.com/explore",
		SessionCookie: "web_session",
	},
	model.PlatformDouyin: {
		ID:            model.PlatformDouyin,
		Name:          "抖音",
		ContentFlag:   "--dy_ids",
		CreatorFlag:   "--dy_creator_ids",
		Defaults:      defaults(1, 2, 50, 30),
		LoginURL:      "https://www.douyin.com",
		SessionCookie: "sessionid",
	},
	model.PlatformKuai: {
		ID:            model.PlatformKuai,
		Name:          "快手",
		ContentFlag:   "--ks_ids",
		CreatorFlag:   "--ks_creator_ids",
		Defaults:      defaults(2, 3, 60, 35),
		LoginURL:      "https://www.kuaishou.com",
		SessionCookie: "passToken",
	},
	model.PlatformBili: {
		ID:            model.PlatformBili,
		Name:          "哔哩哔哩",
		ContentFlag:   "--bili_ids",
		CreatorFlag:   "--bili_creator_ids",
		Defaults:      defaults(1, 3, 80, 40),
		LoginURL:      "https://www.bilibili.com",
		SessionCookie: "SESSDATA",
	},
	model.PlatformWeibo: {
		ID:            model.PlatformWeibo,
		Name:          "微博",
		ContentFlag:   "--weibo_ids",
		CreatorFlag:   "--weibo_creator_ids",
		Defaults:      defaults(1, 2, 50, 30),
		LoginURL:      "https://passport.weibo.com/sso/signin",
		SessionCookie: "SUB",
	},
	model.PlatformTieba: {
		ID:            model.PlatformTieba,
		Name:          "百度贴吧",
		CreatorFlag:   "--tieba_creator_urls",
		Defaults:      defaults(2, 4, 100, 50),
		LoginURL:      "https://tieba.baidu.com",
		SessionCookie: "BDUSS",
	},
	model.PlatformZhihu: {
		ID:            model.PlatformZhihu,
		Name:          "知乎",
		ContentFlag:   "--zhihu_urls",
		CreatorFlag:   "--zhihu_creator_urls",
		Defaults:      defaults(1, 3, 80, 40),
		LoginURL:      "https://www.zhihu.com/signin",
		SessionCookie: "z_c0",
	},
}

func defaults(delayMin, delayMax, maxComments, timeout int) model.Overrides {
	return model.Overrides{
		DelayRange:  []int{delayMin, delayMax},
		MaxComments: model.Int(maxComments),
		Timeout:     model.Int(timeout),
	}
}

// Lookup returns the descriptor of p or a *model.ValidationError.
func Lookup(p model.Platform) (Descriptor, error) {
	d, ok := table[p]
	if !ok {
		return Descriptor{}, &model.ValidationError{
			Field:  "platform",
			Reason: fmt.Sprintf("unsupported platform %q", p),
		}
	}
	return d, nil
}

// All returns the descriptors sorted by id.
func All() []Descriptor {
	out := make([]Descriptor, 0, len(table))
	for _, d := range table {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b Descriptor) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// IdentifierFlag returns the crawler flag carrying the targets of a job
// type. Search jobs use --keywords on every platform.
func (d Descriptor) IdentifierFlag(t model.JobType) (string, error) {
	var flag string
	switch t {
	case model.JobSearch:
		flag = "--keywords"
	case model.JobDetail:
		flag = d.ContentFlag
	case model.JobCreator:
		flag = d.CreatorFlag
	}
	if flag == "" {
		return "", &model.ValidationError{
			Field:  "job_type",
			Reason: fmt.Sprintf("%s jobs are not supported on %s", t, d.ID),
		}
	}
	return flag, nil
}

// Separator joins the identifiers passed with the flag of job type t.
func Separator(t model.JobType) string {
	if t == model.JobSearch {
		return ","
	}
	return ";"
}

// Resolve layers the crawler configuration of a job: built-in defaults,
// platform defaults, env, then the caller's overrides.
func (d Descriptor) Resolve(env *model.Overrides, job model.CollectionJob) model.CrawlerConfig {
	caller := job.Overrides
	if caller == nil {
		caller = model.JobOverrides(job)
	}
	platformDefaults := d.Defaults
	return model.DefaultCrawlerConfig(d.ID).
		Apply(&platformDefaults).
		Apply(env).
		Apply(caller)
}
