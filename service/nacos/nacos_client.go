package nacos

import (
	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/config_client"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/naming_client"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"github.com/pkg/errors"
)

type Config struct {
	Addr      string
	Port      uint64
	Namespace string
	Username  string
	Password  string
	LogLevel  string
	CacheDir  string
	LogDir    string
}

func (c Config) param() vo.NacosClientParam {
	if c.LogLevel == "" {
		c.LogLevel = "warn"
	}
	if c.CacheDir == "" {
		c.CacheDir = "nacos/cache"
	}
	if c.LogDir == "" {
		c.LogDir = "nacos/log"
	}
	opts := []constant.ClientOption{
		constant.WithNamespaceId(c.Namespace),
		constant.WithTimeoutMs(5000),
		constant.WithNotLoadCacheAtStart(true),
		constant.WithLogLevel(c.LogLevel),
		constant.WithCacheDir(c.CacheDir),
		constant.WithLogDir(c.LogDir),
	}
	if c.Username != "" {
		opts = append(opts, constant.WithUsername(c.Username), constant.WithPassword(c.Password))
	}
	return vo.NacosClientParam{
		ClientConfig:  constant.NewClientConfig(opts...),
		ServerConfigs: []constant.ServerConfig{*constant.NewServerConfig(c.Addr, c.Port)},
	}
}

func NewConfigClient(c Config) (config_client.IConfigClient, error) {
	cli, err := clients.NewConfigClient(c.param())
	if err != nil {
		return nil, errors.Wrapf(err, "nacos config client %s:%d", c.Addr, c.Port)
	}
	return cli, nil
}

func NewNamingClient(c Config) (naming_client.INamingClient, error) {
	cli, err := clients.NewNamingClient(c.param())
	if err != nil {
		return nil, errors.Wrapf(err, "nacos naming client %s:%d", c.Addr, c.Port)
	}
	return cli, nil
}
