package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"corenexus/internal/coreapi"
	"corenexus/internal/shared/config"
	"corenexus/internal/shared/logger"
	"corenexus/internal/shared/types"
)

const defaultConfigPath = "configs/nexus.ini"

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *types.Config
	configPath string
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

// ensureConfig 加载 ini 配置并初始化日志。未显式指定且默认文件不存在时使用默认值。
func (c *commandContext) ensureConfig(explicit bool) (*types.Config, error) {
	c.configOnce.Do(func() {
		path := defaultConfigPath
		if c.configFlag != nil && strings.TrimSpace(*c.configFlag) != "" {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg := new(types.Config)
		if _, err := os.Stat(path); err != nil && !explicit && os.IsNotExist(err) {
			wd, _ := os.Getwd()
			config.ApplyDefaults(cfg, wd)
		} else if err := config.LoadIni(cfg, path); err != nil {
			c.configErr = fmt.Errorf("load config %s: %w", path, err)
			return
		}
		if err := logger.Init(cfg.LogConf); err != nil {
			c.configErr = fmt.Errorf("init logger: %w", err)
			return
		}
		c.config = cfg
		c.configPath, _ = filepath.Abs(path)
	})
	return c.config, c.configErr
}

// coreClient builds an RPC client for the configured controller.
func (c *commandContext) coreClient() (*coreapi.Client, *types.Config, error) {
	cfg, err := c.ensureConfig(false)
	if err != nil {
		return nil, nil, err
	}
	client, err := coreapi.NewClient(cfg.CoreConf.Controller, cfg.CoreConf.Secret)
	if err != nil {
		return nil, nil, err
	}
	return client, cfg, nil
}
