// Command participant joins a room as a headless peer with synthetic media.
// It negotiates with every other member and logs what the session sees.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-meet/config"
	"github.com/mossy-p/webrtc-meet/internal/events"
	"github.com/mossy-p/webrtc-meet/internal/media"
	"github.com/mossy-p/webrtc-meet/internal/peer"
	"github.com/mossy-p/webrtc-meet/internal/quality"
	"github.com/mossy-p/webrtc-meet/internal/session"
	"github.com/mossy-p/webrtc-meet/internal/signalclient"
	"github.com/mossy-p/webrtc-meet/internal/speaker"
)

func main() {
	cfg := config.Load()
	logger, err := config.NewLogger(cfg)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cc := cfg.Client
	if cc.RoomID == "" {
		logger.Fatal("ROOM_ID is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider := media.SyntheticProvider{Label: cc.DisplayName}
	camera, err := provider.AcquireLocal(ctx)
	if err != nil {
		logger.Fatal("acquire local media", zap.Error(err))
	}
	src := media.NewSource(camera)

	detector := speaker.NewDetector(speaker.Config{
		Interval:  cc.SpeakerInterval,
		Threshold: cc.SpeakerThreshold,
		Dwell:     cc.SpeakerDwell,
		Hold:      cc.SpeakerHold,
	}, logger)
	sampler := quality.NewSampler(quality.Config{
		Interval:   cc.QualityInterval,
		WindowSize: cc.QualityWindow,
	}, logger)

	api, err := peer.NewAPI(logger.Named("pion"))
	if err != nil {
		logger.Fatal("build webrtc api", zap.Error(err))
	}
	factory := &peer.Factory{
		API:    api,
		Config: peer.ICEServers(cc.ICEServers),
		Media:  src,
		Levels: detector,
		Logger: logger.Named("peer"),
	}

	bus := events.NewBus()
	coord := session.New(session.Config{
		RoomID:          cc.RoomID,
		DisplayName:     cc.DisplayName,
		AnswerTimeout:   cc.AnswerTimeout,
		DisconnectGrace: cc.DisconnectGrace,
		NewConn: func(remoteID string) (peer.Conn, error) {
			c, err := factory.NewConn(remoteID)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
		Media:    src,
		Provider: provider,
		Detector: detector,
		Sampler:  sampler,
		Surface:  logSurface{logger: logger.Named("surface")},
		Logger:   logger,
	}, bus)
	defer coord.Close()

	client, err := signalclient.Dial(ctx, signalclient.Config{
		URL:          cc.RelayURL,
		Token:        cc.AuthToken,
		WriteTimeout: cfg.Relay.WriteTimeout,
		PongWait:     cfg.Relay.PongWait,
		Logger:       logger,
	}, bus)
	if err != nil {
		logger.Fatal("connect to relay", zap.Error(err))
	}
	defer client.Close()

	if err := coord.Join(ctx, client); err != nil {
		logger.Fatal("join room", zap.Error(err))
	}
	logger.Info("joining room", zap.String("room_id", cc.RoomID), zap.String("relay", cc.RelayURL))

	go coord.Run(ctx)

	// the synthetic microphone talks in bursts so the speaker detector has a
	// local source to compete with remote ones
	mic := media.AudioPump{
		Level:   media.TalkPattern(time.Now(), 3*time.Second, 7*time.Second, 0.3),
		Observe: func(e float64) { detector.Observe(speaker.LocalSource, e) },
	}
	go func() {
		if err := mic.Run(ctx, src); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("local audio stopped", zap.Error(err))
		}
	}()

	select {
	case <-ctx.Done():
		if err := coord.Leave(); err != nil {
			logger.Debug("leave", zap.Error(err))
		}
	case <-client.Done():
		logger.Warn("relay closed the connection", zap.Error(client.Err()))
	}
}
