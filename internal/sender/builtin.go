package sender

import (
	"context"

	"github.com/albapepper/pushgate/internal/config"
)

// Builtin is the registry of every backend this service can talk to.
// Configuration only selects among these names.
func Builtin(cfg *config.Config) Registry {
	return Registry{
		"apns": func(_ context.Context, _ config.SenderConfig) (Client, error) {
			return NewAPNs(APNsOptions{
				CertificatePath:     cfg.APNSCertificatePath,
				CertificatePassword: cfg.APNSCertificatePassword,
				KeyPath:             cfg.APNSKeyPath,
				KeyID:               cfg.APNSKeyID,
				TeamID:              cfg.APNSTeamID,
				Topic:               cfg.APNSTopic,
				Sandbox:             cfg.APNSSandbox,
			})
		},
		"fcm": func(ctx context.Context, _ config.SenderConfig) (Client, error) {
			return NewFCM(ctx, cfg.FCMCredentialsFile, cfg.BaseDeeplinkURL)
		},
		"gcm": func(_ context.Context, _ config.SenderConfig) (Client, error) {
			return NewGCM(cfg.GCMEndpoint, cfg.GCMAccessKey, cfg.BaseDeeplinkURL, cfg.SendTimeout), nil
		},
		"sns": func(ctx context.Context, sc config.SenderConfig) (Client, error) {
			return NewSNS(ctx, cfg.SNSRegion, sc.Platforms, cfg.BaseDeeplinkURL)
		},
	}
}
