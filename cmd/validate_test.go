package cmd_test

import (
	"testing"

	"github.com/hivetrap/hivetrap/cmd"
	"github.com/hivetrap/hivetrap/util"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func TestValidateCommand(t *testing.T) {
	commands := []*cli.Command{cmd.ValidateConfigCommand}
	flags := []cli.Flag{}

	validConfig := writeTestConfig(t, "")
	invalidConfig := writeTestConfig(t, `{
    update_check_enabled: false
    lures: {
        ssh_banner: "OpenSSH_9.6"
    }
}
`)

	tests := []struct {
		name          string
		args          []string
		expectedError string
	}{
		{
			name:          "Valid Config File",
			args:          []string{"app", "validate", "--config", validConfig},
			expectedError: "",
		},
		{
			name:          "Invalid Config Values",
			args:          []string{"app", "validate", "--config", invalidConfig},
			expectedError: "ssh_version_banner",
		},
		{
			name:          "Empty Config Path",
			args:          []string{"app", "validate", "--config", ""},
			expectedError: cmd.ErrMissingConfigPath.Error(),
		},
		{
			name:          "Nonexistent Config File",
			args:          []string{"app", "validate", "--config", "nonexistent.hjson"},
			expectedError: util.ErrFileDoesNotExist.Error(),
		},
		{
			name:          "Too Many Arguments",
			args:          []string{"app", "validate", "extra"},
			expectedError: cmd.ErrTooManyArguments.Error(),
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require := require.New(t)

			// create a new app and context
			app, ctx := setupTestApp(commands, flags)

			// run app with test.args
			err := app.RunContext(ctx, test.args)
			if test.expectedError != "" {
				require.Error(err, "error should not be nil")
				require.Contains(err.Error(), test.expectedError, "error should contain expected value")
			} else {
				require.NoError(err, "error should be nil")
			}
		})
	}
}

func TestRunValidateConfigCommand(t *testing.T) {
	require := require.New(t)

	configPath := writeTestConfig(t, "")

	cfg, err := cmd.RunValidateConfigCommand(afero.NewOsFs(), configPath)
	require.NoError(err, "validating a valid config file should not produce an error")
	require.NotNil(cfg, "config should not be nil")
	require.False(cfg.UpdateCheckEnabled, "update check should be disabled by the test tuning file")
}
