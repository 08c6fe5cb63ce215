/*
Copyright © 2024 Metaldeploy Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/metaldeploy/agent-core/pkg/agent"
	"github.com/metaldeploy/agent-core/pkg/bootloader"
	"github.com/metaldeploy/agent-core/pkg/cmdrunner"
	"github.com/metaldeploy/agent-core/pkg/imagepipeline"
	"github.com/metaldeploy/agent-core/pkg/system"
	"github.com/metaldeploy/agent-core/pkg/types"
)

var (
	cfgFile  string
	logLevel string
	cacheDir string

	rootCmd = &cobra.Command{
		Use:   "metaldeploy-agent",
		Short: "Bare-metal provisioning agent",
		Long: `metaldeploy-agent caches a deploy image, writes it to the matched root
device, installs a bootloader, and hands the machine over to the deployed OS.`,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: /etc/metaldeploy/agent.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&cacheDir, "cache-dir", "/var/cache/metaldeploy", "directory used to cache downloaded images")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		panic(err)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath("/etc/metaldeploy")
		viper.SetConfigName("agent")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("METALDEPLOY")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			fmt.Printf("warning: error reading config file: %v\n", err)
		}
	}
}

// buildConfig wires the concrete Fs/Mounter/Runner/Logger collaborators and
// the Deploy façade, the single place cmd/agent's subcommands go to get a
// ready-to-use agent.Deploy.
func buildConfig() (*agent.Deploy, error) {
	level, err := logrus.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", viper.GetString("log-level"), err)
	}

	logger := system.NewLogrusLogger(level)
	cfg := types.Config{
		Logger:  logger,
		Fs:      system.OSFs{},
		Mounter: system.NewKubeMounter(),
		Runner:  cmdrunner.New(logger),
	}
	if err := cfg.Sanitize(); err != nil {
		return nil, err
	}

	downloader := imagepipeline.NewGrabDownloader()
	pipeline := imagepipeline.New(cfg, downloader, viper.GetString("cache-dir"))
	installer := bootloader.New(cfg)

	return agent.NewDeploy(cfg, pipeline, installer), nil
}
