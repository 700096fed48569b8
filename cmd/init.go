package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/paulschiretz/pgl-replica/pkg/buildinfo"
	"github.com/paulschiretz/pgl-replica/pkg/config"
	"github.com/paulschiretz/pgl-replica/pkg/flagparse"
	"github.com/paulschiretz/pgl-replica/pkg/plog"
	"github.com/paulschiretz/pgl-replica/pkg/preflight"
	"github.com/paulschiretz/pgl-replica/pkg/util"
)

// RunInit handles the logic for the 'init' command.
func RunInit(ctx context.Context, flagMap map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	absConfigPath, err := util.AbsPath(configPathFromFlags(flagMap))
	if err != nil {
		return fmt.Errorf("could not determine absolute config path: %w", err)
	}

	force, _ := flagMap["force"].(bool)
	initDefault, _ := flagMap["default"].(bool)

	var baseConfig config.Config
	if initDefault {
		if !force {
			if _, err := os.Stat(absConfigPath); err == nil {
				fmt.Printf("WARNING: Configuration file already exists at %s.\n", absConfigPath)
				fmt.Printf("Using -default will overwrite it with default values. All custom settings will be lost.\n")
				if !PromptForConfirmation("Are you sure you want to continue?", false) {
					plog.Info(buildinfo.Name + " init operation canceled.")
					return nil
				}
			}
		}
		baseConfig = config.NewDefault()
	} else {
		// Try to load existing config to preserve settings.
		// Note: config.Load returns NewDefault() if the file simply doesn't exist.
		baseConfig, err = config.Load(absConfigPath)
		if err != nil {
			plog.Warn("Could not load existing configuration, starting with defaults.", "reason", err)
			baseConfig = config.NewDefault()
		}
	}

	// Create a config from base merged with user flags.
	runConfig, err := config.MergeConfigWithFlags(flagparse.Init, baseConfig, flagMap)
	if err != nil {
		return err
	}

	if runConfig.Source == "" || runConfig.Replica == "" {
		return fmt.Errorf("the -source and -replica flags are required for the init operation (unless updating an existing config)")
	}

	if err := runConfig.Validate(); err != nil {
		return err
	}
	if err := preflight.CheckSourceAccessible(runConfig.Source); err != nil {
		return fmt.Errorf("initialization preflight failed: %w", err)
	}
	if err := preflight.CheckPathNesting(runConfig.Source, runConfig.Replica); err != nil {
		return fmt.Errorf("initialization preflight failed: %w", err)
	}

	if runConfig.Runtime.DryRun {
		plog.Notice("[DRY RUN] Initialization complete. No changes made.", "path", absConfigPath)
		return nil
	}

	if err := config.Generate(runConfig, absConfigPath); err != nil {
		return fmt.Errorf("failed to generate config file: %w", err)
	}
	plog.Info(buildinfo.Name+" configuration initialized.", "path", absConfigPath)
	return nil
}

// PromptForConfirmation prompts the user for a yes/no response.
func PromptForConfirmation(prompt string, defaultYes bool) bool {
	suffix := "[y/N]"
	if defaultYes {
		suffix = "[Y/n]"
	}
	fmt.Printf("%s %s: ", prompt, suffix)

	var response string
	_, _ = fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))

	if response == "" {
		return defaultYes
	}
	return response == "y" || response == "yes"
}
