package platform_test

import (
	"testing"

	"github.com/mediacrawler/harvester/internal/model"
	"github.com/mediacrawler/harvester/internal/platform"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	t.Parallel()
	d, err := platform.Lookup(model.PlatformXHS)
	require.NoError(t, err)
	require.Equal(t, "web_session", d.SessionCookie)

	_, err = platform.Lookup("myspace")
	require.ErrorIs(t, err, model.ErrValidation)

	require.Len(t, platform.All(), 7)
	require.Equal(t, model.PlatformBili, platform.All()[0].ID)
}

func TestIdentifierFlag(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		platform model.Platform
		jobType  model.JobType
		then     string
	}{
		{model.PlatformXHS, model.JobSearch, "--keywords"},
		{model.PlatformXHS, model.JobDetail, "--xhs_note_urls"},
		{model.PlatformXHS, model.JobCreator, "--xhs_creator_ids"},
		{model.PlatformDouyin, model.JobDetail, "--dy_ids"},
		{model.PlatformKuai, model.JobCreator, "--ks_creator_ids"},
		{model.PlatformBili, model.JobDetail, "--bili_ids"},
		{model.PlatformWeibo, model.JobCreator, "--weibo_creator_ids"},
		{model.PlatformZhihu, model.JobDetail, "--zhihu_urls"},
		{model.PlatformTieba, model.JobCreator, "--tieba_creator_urls"},
	}
	for _, tc := range testCases {
		t.Run(string(tc.platform)+"/"+string(tc.jobType), func(t *testing.T) {
			t.Parallel()
			d, err := platform.Lookup(tc.platform)
			require.NoError(t, err)
			flag, err := d.IdentifierFlag(tc.jobType)
			require.NoError(t, err)
			require.Equal(t, tc.then, flag)
		})
	}

	t.Run("tieba detail unsupported", func(t *testing.T) {
		t.Parallel()
		d, err := platform.Lookup(model.PlatformTieba)
		require.NoError(t, err)
		_, err = d.IdentifierFlag(model.JobDetail)
		require.ErrorIs(t, err, model.ErrValidation)
	})
}

func TestResolve(t *testing.T) {
	t.Parallel()
	d, err := platform.Lookup(model.PlatformXHS)
	require.NoError(t, err)

	job := model.DefaultJob()
	job.Platform = model.PlatformXHS

	t.Run("job flags layer", func(t *testing.T) {
		t.Parallel()
		cfg := d.Resolve(&model.Overrides{Timeout: model.Int(90)}, job)
		require.Equal(t, [2]int{2, 4}, cfg.DelayRange)
		require.Equal(t, 90, cfg.Timeout)
		// job level max_comments wins over the platform default
		require.Equal(t, 50, cfg.MaxComments)
		require.True(t, cfg.Headless)
	})

	t.Run("explicit overrides replace job flags", func(t *testing.T) {
		t.Parallel()
		j := job
		j.Flags.Headless = false
		j.Overrides = &model.Overrides{Timeout: model.Int(120)}
		cfg := d.Resolve(nil, j)
		require.Equal(t, 120, cfg.Timeout)
		require.Equal(t, 100, cfg.MaxComments)
		require.True(t, cfg.Headless)
	})
}
