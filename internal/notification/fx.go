package notification

import (
	"github.com/smallbiznis/alertbilling/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("notification",
	fx.Provide(NewSinkFromConfig),
	fx.Provide(NewDispatcher),
)

// NewSinkFromConfig returns an SMTP sink when a host is configured.
func NewSinkFromConfig(cfg config.Config, log *zap.Logger) Sink {
	if cfg.SMTP.Host == "" {
		log.Named("notification").Info("smtp host not set, notifications disabled")
		return NoOpSink{}
	}
	return NewEmailSink(SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
	})
}
