package nacos

import (
	"PPSync/logger"
	"PPSync/tools/safe"
	"context"

	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ConfigSource is the part of config_client.IConfigClient the watcher uses.
type ConfigSource interface {
	GetConfig(param vo.ConfigParam) (string, error)
	ListenConfig(params vo.ConfigParam) error
	CancelListenConfig(params vo.ConfigParam) error
}

// Watch fetches dataID/group, hands it to onChange, and keeps calling onChange
// for every published revision until ctx is done. The first fetch is synchronous
// so a bad document fails start-up.
func Watch(ctx context.Context, src ConfigSource, dataID, group string, onChange func(content string) error) error {
	content, err := src.GetConfig(vo.ConfigParam{DataId: dataID, Group: group})
	if err != nil {
		return errors.Wrapf(err, "nacos get %s/%s", group, dataID)
	}
	if content != "" {
		if err := onChange(content); err != nil {
			return errors.Wrapf(err, "apply %s/%s", group, dataID)
		}
	}

	param := vo.ConfigParam{
		DataId: dataID,
		Group:  group,
		OnChange: func(_, group, dataID, data string) {
			logger.Info("[Nacos] config changed", zap.String("group", group), zap.String("dataId", dataID))
			if err := onChange(data); err != nil {
				logger.Warn("[Nacos] rejected config revision", zap.String("dataId", dataID), zap.Error(err))
			}
		},
	}
	if err := src.ListenConfig(param); err != nil {
		return errors.Wrapf(err, "nacos listen %s/%s", group, dataID)
	}

	safe.SafeGo("nacos-unlisten", func() {
		<-ctx.Done()
		if err := src.CancelListenConfig(vo.ConfigParam{DataId: dataID, Group: group}); err != nil {
			logger.Warn("[Nacos] cancel listen", zap.Error(err))
		}
	})
	return nil
}
