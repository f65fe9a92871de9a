package service

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mediacrawler/harvester/internal/model"
	"github.com/mediacrawler/harvester/internal/platform"
)

// Args builds the crawler arguments for job. cfg is the effective
// configuration and cookies the cached credential, if any.
func Args(d platform.Descriptor, job model.CollectionJob, cfg model.CrawlerConfig, cookies string) ([]string, error) {
	flag, err := d.IdentifierFlag(job.Type)
	if err != nil {
		return nil, err
	}

	args := []string{
		"--platform", string(d.ID),
		"--type", string(job.Type),
		"--max_count", strconv.Itoa(job.Limits.MaxItems),
		"--max_comments", strconv.Itoa(cfg.MaxComments),
		"--headless", strconv.FormatBool(cfg.Headless),
		"--enable_proxy", strconv.FormatBool(cfg.EnableProxy),
		"--save_data_option", string(cfg.SaveMode),
	}
	if cookies != "" {
		args = append(args, "--cookies", cookies)
	}
	args = append(args, flag, strings.Join(job.TargetList(), platform.Separator(job.Type)))
	return args, nil
}

// Cmd turns the crawler section of the configuration into a command
// running the crawler with args. Env values starting with $ are expanded.
func Cmd(c model.Crawler, args []string) Command {
	env := make([]string, 0, len(c.Env))
	for k, v := range c.Env {
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, strings.ToUpper(k)+"="+v)
	}

	var path string
	var prefix []string
	if len(c.Command) > 0 {
		path, prefix = c.Command[0], c.Command[1:]
	}
	return Command{
		Path: path,
		Args: append(append([]string(nil), prefix...), args...),
		Env:  env,
		Dir:  c.Dir,
	}
}

// ArtifactDir is where the crawler writes its cookie artifacts.
func ArtifactDir(c model.Crawler) string {
	if filepath.IsAbs(c.BrowserData) {
		return c.BrowserData
	}
	return filepath.Join(c.Dir, c.BrowserData)
}
