package libdns

import (
	"github.com/ternmail/tern/framework/config"
	"github.com/libdns/libdns"
)

type ProviderModule struct {
	libdns.RecordDeleter
	libdns.RecordAppender
	setConfig   func(c *config.Map)
	afterConfig func() error

	instName string
	modName  string
}

func (p *ProviderModule) Init(cfg *config.Map) error {
	p.setConfig(cfg)
	if _, err := cfg.Process(); err != nil {
		return err
	}
	if p.afterConfig != nil {
		return p.afterConfig()
	}
	return nil
}

func (p *ProviderModule) Name() string {
	return p.modName
}

func (p *ProviderModule) InstanceName() string {
	return p.instName
}
