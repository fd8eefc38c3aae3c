package option

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Data  string
	Count int
}

func withData(data string) Option[testConfig] {
	return func(cfg *testConfig) error {
		cfg.Data = data
		return nil
	}
}

func TestApply(t *testing.T) {
	t.Parallel()

	withError := func(err error) Option[testConfig] {
		return func(cfg *testConfig) error {
			return err
		}
	}

	cfg := testConfig{}
	err := Apply(&cfg)
	require.NoError(t, err)
	require.Empty(t, cfg.Data)

	err = Apply(&cfg, nil)
	require.NoError(t, err)
	require.Empty(t, cfg.Data)

	cfgErr := errors.New("hello world")
	err = Apply(&cfg, withError(cfgErr))
	require.Equal(t, cfgErr, err)

	err = Apply(&cfg, withData("foo bar"))
	require.NoError(t, err)
	require.Equal(t, "foo bar", cfg.Data)
}

func TestBuild(t *testing.T) {
	t.Parallel()

	defaults := testConfig{Data: "default", Count: 10}
	cfg, err := Build(defaults, withData("override"))
	require.NoError(t, err)
	require.Equal(t, "override", cfg.Data)
	require.Equal(t, 10, cfg.Count)
	require.Equal(t, "default", defaults.Data)

	positive := Validate(func(cfg testConfig) error {
		if cfg.Count <= 0 {
			return errors.New("count must be positive")
		}
		return nil
	})
	_, err = Build(testConfig{}, positive)
	require.EqualError(t, err, "count must be positive")
}
