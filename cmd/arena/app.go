package main

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/betbot/arena/internal/domain"
	"github.com/betbot/arena/internal/edgemodel"
	"github.com/betbot/arena/internal/evolution"
	"github.com/betbot/arena/internal/gateway"
	"github.com/betbot/arena/internal/ledger"
	"github.com/betbot/arena/internal/notify"
	"github.com/betbot/arena/internal/ports"
	"github.com/betbot/arena/internal/risk"
	"github.com/betbot/arena/pkg/config"
	"github.com/betbot/arena/pkg/logger"
	"github.com/betbot/arena/pkg/secretstore"
	sdkhttp "github.com/betbot/arena/pkg/sdk/http"
)

// app 显式构造的核心服务，各子命令按需使用
type app struct {
	cfg  *config.Config
	mode domain.Mode

	store    *ledger.Store
	secrets  *secretstore.Store
	notifier *notify.MultiSink
	closeBus func() error

	client   *sdkhttp.Client // 未配置 gateway.base_url 时为 nil
	bankroll ports.BankrollSource
	model    *edgemodel.Model
	risk     *risk.Manager
	evo      *evolution.Manager
}

func openSecrets(cfg config.SecretsConfig) (*secretstore.Store, error) {
	key, err := secretstore.ParseKey(cfg.EncryptionKey)
	if err != nil {
		return nil, errors.Wrap(err, "SECRETSTORE_KEY")
	}
	if key == nil {
		logger.Warnf("SECRETSTORE_KEY 未设置，密钥库不加密")
	}
	return secretstore.Open(secretstore.OpenOptions{Path: cfg.Path, EncryptionKey: key})
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, mode: domain.ModePaper}
	if cfg.IsLive() {
		a.mode = domain.ModeLive
	}

	store, err := ledger.Open(ctx, ledger.Config{Driver: cfg.Ledger.Driver, DSN: cfg.Ledger.DSN, Mode: a.mode})
	if err != nil {
		return nil, err
	}
	a.store = store

	if a.mode == domain.ModeLive {
		if a.secrets, err = openSecrets(cfg.Secrets); err != nil {
			a.Close()
			return nil, errors.Wrap(err, "open secret store")
		}
	}

	a.notifier, a.closeBus = notify.New(cfg.Notify)

	if strings.TrimSpace(cfg.Gateway.BaseURL) != "" {
		a.client = gateway.NewClient(gateway.ConfigFrom(cfg.Gateway))
	}
	if a.mode == domain.ModeLive {
		a.bankroll = gateway.NewHTTPBankroll(a.client)
	} else {
		a.bankroll = gateway.NewLedgerBankroll(store, cfg.Arena.StartingBalance)
	}

	a.model = edgemodel.New(store, edgemodel.Config{
		LearningRate: cfg.Model.LearningRate,
		L2:           cfg.Model.L2,
		CacheTTL:     time.Duration(cfg.Model.CacheTTLSec) * time.Second,
	})
	a.risk = risk.New(store, a.bankroll, a.notifier, risk.ConfigFrom(cfg.Risk, cfg.Decision.KellyFraction))
	if err := a.risk.Load(ctx); err != nil {
		a.Close()
		return nil, errors.Wrap(err, "load risk state")
	}
	a.evo = evolution.New(store, a.notifier, evolution.ConfigFrom(cfg.Evolution, cfg.Arena.Population))
	if err := a.evo.Load(ctx); err != nil {
		a.Close()
		return nil, errors.Wrap(err, "load evolution state")
	}
	return a, nil
}

// Close 关闭顺序：先等通知发完，再关存储
func (a *app) Close() {
	if a.evo != nil {
		a.evo.Wait()
	}
	if a.model != nil {
		a.model.Close()
	}
	if a.notifier != nil {
		a.notifier.Wait()
	}
	if a.closeBus != nil {
		if err := a.closeBus(); err != nil {
			logger.Warnf("关闭 redis 失败: %v", err)
		}
	}
	if a.secrets != nil {
		if err := a.secrets.Close(); err != nil {
			logger.Warnf("关闭密钥库失败: %v", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Warnf("关闭账本失败: %v", err)
		}
	}
}
