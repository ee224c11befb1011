package main

import (
	"context"
	"errors"
	"flag"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/abdoElHodaky/breakoutengine/internal/engine"
	"github.com/abdoElHodaky/breakoutengine/internal/gateway"
	"github.com/abdoElHodaky/breakoutengine/internal/logging"
	"github.com/abdoElHodaky/breakoutengine/internal/preset"
)

func main() {
	symbols := flag.String("symbols", "BTC-USD,ETH-USD,SOL-USD", "comma-separated candidate symbols")
	equity := flag.Float64("equity", 100000, "starting paper account equity")
	cycle := flag.Duration("cycle", 2*time.Second, "cycle deadline")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	logger := logging.Must(logging.Config{Level: *logLevel, Format: "console", EnableCaller: true})
	defer logger.Sync()

	symbolList := strings.Split(*symbols, ",")
	paperGW := gateway.NewPaperGateway(decimal.NewFromFloat(*equity), symbolList)
	gw := gateway.NewResilientGateway(paperGW, gateway.DefaultResilientConfig(), logger)

	e := engine.New(gw, logger, engine.Config{
		CandidateSymbols: symbolList,
		CycleDeadline:    *cycle,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runDone := make(chan error, 1)
	go func() { runDone <- e.Run(ctx) }()

	res := e.Submit(ctx, engine.CmdStart, preset.Default(), gateway.ModePaper)
	if !res.Accepted {
		logger.Fatal("engine refused to start", zap.String("reason", res.Reason))
	}
	logger.Info("engine started",
		zap.String("preset", preset.Default().Name),
		zap.Strings("symbols", symbolList),
		zap.Duration("cycle", *cycle))

	if err := <-runDone; err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("engine run exited with error", zap.Error(err))
	}
	logger.Info("engine stopped")
}
