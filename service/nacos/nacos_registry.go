package nacos

import (
	"PPSync/logger"

	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Naming is the part of naming_client.INamingClient the registrar uses.
type Naming interface {
	RegisterInstance(param vo.RegisterInstanceParam) (bool, error)
	DeregisterInstance(param vo.DeregisterInstanceParam) (bool, error)
}

// Registrar announces one relay instance so API nodes can discover where to
// send ingestion requests.
type Registrar struct {
	ServiceName string
	IP          string
	Port        uint64
	Group       string
	Metadata    map[string]string

	client Naming
}

func NewRegistrar(client Naming, serviceName, ip string, port uint64, metadata map[string]string) *Registrar {
	return &Registrar{
		ServiceName: serviceName,
		IP:          ip,
		Port:        port,
		Group:       "DEFAULT_GROUP",
		Metadata:    metadata,
		client:      client,
	}
}

func (r *Registrar) Register() error {
	ok, err := r.client.RegisterInstance(vo.RegisterInstanceParam{
		Ip:          r.IP,
		Port:        r.Port,
		ServiceName: r.ServiceName,
		GroupName:   r.Group,
		ClusterName: "DEFAULT",
		Weight:      1,
		Enable:      true,
		Healthy:     true,
		Ephemeral:   true,
		Metadata:    r.Metadata,
	})
	if err != nil {
		return errors.Wrapf(err, "register %s", r.ServiceName)
	}
	if !ok {
		return errors.Errorf("register %s: rejected", r.ServiceName)
	}
	logger.Info("[Nacos] registered", zap.String("service", r.ServiceName), zap.String("ip", r.IP), zap.Uint64("port", r.Port))
	return nil
}

func (r *Registrar) Deregister() error {
	ok, err := r.client.DeregisterInstance(vo.DeregisterInstanceParam{
		Ip:          r.IP,
		Port:        r.Port,
		ServiceName: r.ServiceName,
		GroupName:   r.Group,
		Cluster:     "DEFAULT",
		Ephemeral:   true,
	})
	if err != nil {
		return errors.Wrapf(err, "deregister %s", r.ServiceName)
	}
	if !ok {
		logger.Warn("[Nacos] instance already gone", zap.String("service", r.ServiceName))
	}
	return nil
}
