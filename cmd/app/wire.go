//go:build wireinject
// +build wireinject

package main

import (
	"github.com/google/wire"

	"github.com/yanqian/weereg/internal/bootstrap"
	"github.com/yanqian/weereg/internal/domain/registry"
	"github.com/yanqian/weereg/internal/infra/config"
	httpiface "github.com/yanqian/weereg/internal/interface/http"
	"github.com/yanqian/weereg/pkg/logger"
)

func initializeApp() (*bootstrap.App, func(), error) {
	wire.Build(
		config.Load,
		logger.New,
		provideRegistryConfig,
		provideRepository,
		provideObjectStorage,
		provideCaptureRunner,
		provideCaptureQueue,
		provideCaptureDispatcher,
		registry.NewService,
		httpiface.NewHandler,
		httpiface.NewRouter,
		bootstrap.NewApp,
	)
	return nil, nil, nil
}
