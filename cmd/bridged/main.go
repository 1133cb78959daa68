package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/realtime"
	"github.com/twilio/twilio-go/twiml"
	"go.uber.org/zap"

	"github.com/archerline/bridge"
	"github.com/archerline/bridge/codec"
	"github.com/archerline/bridge/collab"
	"github.com/archerline/bridge/config"
	"github.com/archerline/bridge/shared"
)

// Environment variable keys
const (
	envKeyApiKey     string = "OPENAI_API_KEY"
	envKeyBaseUrl    string = "OPENAI_BASE_URL"
	envKeyCollabAuth string = "COLLABORATOR_TOKEN"
)

const shutdownGrace = 15 * time.Second

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	var logger shared.LoggerAdapter
	if cfg.Log.File != "" {
		logger = shared.NewFileLogger(
			cfg.Log.File, cfg.Log.MaxSize, cfg.Log.MaxBackups, cfg.Log.MaxAge, cfg.Log.Compress,
		)
	} else {
		logger = shared.NewStdLogger()
	}
	logger = logger.With(
		zap.String("component", "bridged"),
		zap.String("version", shared.Version),
	)

	apiKey, err := shared.Getenv(shared.GetenvString, envKeyApiKey, true, "")
	if err != nil {
		logger.Error("OPENAI_API_KEY environment variable", err)
		os.Exit(1)
	}
	baseUrl := shared.MustGetenv(shared.GetenvString, envKeyBaseUrl, false, cfg.AI.BaseURL)
	collabToken := shared.MustGetenv(shared.GetenvString, envKeyCollabAuth, false, "")

	registry := bridge.NewRegistry()

	dispatcher, err := bridge.NewDispatcher(logger, cfg.Bridge.ToolTimeout())
	if err != nil {
		logger.Error("creating dispatcher", err)
		os.Exit(1)
	}
	if err := registerTools(logger, dispatcher, cfg.Collaborators, collabToken); err != nil {
		logger.Error("registering tools", err)
		os.Exit(1)
	}

	var store bridge.CallStore
	if cfg.Collaborators.CallRecordsURL != "" {
		client, err := collab.NewClient(logger, cfg.Collaborators.CallRecordsURL, collabToken)
		if err != nil {
			logger.Error("creating call-record client", err)
			os.Exit(1)
		}
		store = collab.NewCallRecords(client)
	} else {
		logger.Warn("no call-record service configured, calls will not be persisted")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := newAIDialer(cfg, apiKey, baseUrl)
	manager, err := bridge.NewManager(logger, registry, dispatcher, store, dialer, bridge.ManagerConfig{
		AIFormat: codec.Format{
			Encoding:   codec.EncodingPCM16,
			SampleRate: cfg.AI.SampleRate,
			Channels:   1,
		},
		HandshakeTimeout: cfg.Bridge.HandshakeTimeout(),
		Bridge: bridge.BridgeConfig{
			FrameDuration: cfg.Bridge.FrameDuration(),
			QueueFrames:   cfg.Bridge.QueueFrames,
			DrainTimeout:  cfg.Bridge.DrainTimeout(),
		},
	})
	if err != nil {
		logger.Error("creating lifecycle manager", err)
		os.Exit(1)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/twilio/voice", voiceWebhook(logger, cfg))
	router.GET("/media-stream", mediaStream(ctx, logger, manager))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":          "ok",
			"version":         shared.Version,
			"active_sessions": manager.ActiveSessions(),
		})
	})

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", err)
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	defer close(sig)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
		logger.Info("shutting down...")
	case <-ctx.Done():
	}

	// Stop accepting connections, then let live bridges drain.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutting down http server", err)
	}
	cancel()
	logger.Info("graceful shutdown complete")
}

// registerTools wires each configured collaborator into the dispatcher.
// A missing URL skips that tool; the model simply never hears about it.
func registerTools(logger shared.LoggerAdapter, dispatcher *bridge.Dispatcher, collaborators config.Collaborators, token string) error {
	register := func(name, baseUrl string, tool func(*collab.Client) bridge.Tool) error {
		if baseUrl == "" {
			logger.Warn("collaborator not configured, tool disabled", zap.String("tool", name))
			return nil
		}
		client, err := collab.NewClient(logger, baseUrl, token)
		if err != nil {
			return err
		}
		return dispatcher.Register(tool(client))
	}
	if err := register("verify_account", collaborators.VerificationURL, func(c *collab.Client) bridge.Tool {
		return collab.NewVerification(c).Tool()
	}); err != nil {
		return err
	}
	if err := register("payment_options", collaborators.OptionsURL, func(c *collab.Client) bridge.Tool {
		return collab.NewOptions(c).Tool()
	}); err != nil {
		return err
	}
	return register("record_payment", collaborators.PaymentsURL, func(c *collab.Client) bridge.Tool {
		return collab.NewPayments(c).Tool()
	})
}

// newAIDialer builds the per-session voice-service leg: a realtime client
// configured for phone audio, greeted with whatever context the session
// carries.
func newAIDialer(cfg *config.Config, apiKey, baseUrl string) bridge.AIDialer {
	return func(ctx context.Context, sess *bridge.Session, tools []map[string]any) (bridge.AIConn, error) {
		client, err := bridge.NewClient(ctx, sess.Logger(), apiKey, baseUrl)
		if err != nil {
			return nil, err
		}
		session := &realtime.RealtimeSessionCreateRequestParam{
			Instructions: param.NewOpt(cfg.AI.Instructions),
			Model:        cfg.AI.Model,
			Audio: realtime.RealtimeAudioConfigParam{
				Input: realtime.RealtimeAudioConfigInputParam{
					TurnDetection: realtime.RealtimeAudioInputTurnDetectionUnionParam{
						OfSemanticVad: &realtime.RealtimeAudioInputTurnDetectionSemanticVadParam{
							CreateResponse:    param.NewOpt(true),
							InterruptResponse: param.NewOpt(true),
						},
					},
					Format: realtime.RealtimeAudioFormatsUnionParam{
						OfAudioPCM: &realtime.RealtimeAudioFormatsAudioPCMParam{
							Rate: int64(cfg.AI.SampleRate),
							Type: "audio/pcm",
						},
					},
				},
				Output: realtime.RealtimeAudioConfigOutputParam{
					Format: realtime.RealtimeAudioFormatsUnionParam{
						OfAudioPCM: &realtime.RealtimeAudioFormatsAudioPCMParam{
							Rate: int64(cfg.AI.SampleRate),
							Type: "audio/pcm",
						},
					},
					Voice: realtime.RealtimeAudioConfigOutputVoice(cfg.AI.Voice),
				},
			},
		}
		if err := client.SetConfig(session); err != nil {
			return nil, err
		}
		if err := client.Connect(ctx, tools, greetingFor(cfg.AI.Greeting, sess)); err != nil {
			if cerr := client.Close(); cerr != nil {
				sess.Logger().Warn("closing realtime client failed", zap.Error(cerr))
			}
			return nil, err
		}
		return client, nil
	}
}

func greetingFor(base string, sess *bridge.Session) string {
	if base == "" {
		return ""
	}
	if name := sess.Customer.Name; name != "" {
		return base + " The customer's name is " + name + "."
	}
	return base
}

// voiceWebhook answers the telephony provider's call webhook with an
// instruction to open a media stream back to us, carrying the customer
// reference through custom parameters.
func voiceWebhook(logger shared.LoggerAdapter, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		streamUrl, err := mediaStreamUrl(cfg.Server.PublicURL, c.Request)
		if err != nil {
			logger.Error("building media stream URL", err)
			c.String(http.StatusInternalServerError, "cannot handle call")
			return
		}

		stream := &twiml.VoiceStream{
			Url: streamUrl,
			InnerElements: []twiml.Element{
				&twiml.VoiceParameter{
					Name:  "customer_ref",
					Value: c.Query("customer_ref"),
				},
				&twiml.VoiceParameter{
					Name:  "direction",
					Value: c.DefaultQuery("direction", "inbound"),
				},
			},
		}
		connect := &twiml.VoiceConnect{
			InnerElements: []twiml.Element{stream},
		}
		result, err := twiml.Voice([]twiml.Element{connect})
		if err != nil {
			logger.Error("rendering voice response", err)
			c.String(http.StatusInternalServerError, "cannot handle call")
			return
		}
		logger.Info("answered voice webhook",
			zap.String("call_sid", c.PostForm("CallSid")),
			zap.String("from", c.PostForm("From")),
		)
		c.Header("Content-Type", "text/xml")
		c.String(http.StatusOK, result)
	}
}

func mediaStreamUrl(publicUrl string, req *http.Request) (string, error) {
	if publicUrl == "" {
		publicUrl = "https://" + req.Host
	}
	parsed, err := url.Parse(publicUrl)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "https", "":
		parsed.Scheme = "wss"
	case "http":
		parsed.Scheme = "ws"
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/") + "/media-stream"
	return parsed.String(), nil
}

// mediaStream upgrades the provider's WebSocket and runs the call to
// completion on the handler goroutine.
func mediaStream(ctx context.Context, logger shared.LoggerAdapter, manager *bridge.Manager) gin.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Error("upgrading media stream connection", err)
			return
		}
		tele, err := bridge.NewTelephonyConn(logger, ws)
		if err != nil {
			logger.Error("wrapping media stream connection", err)
			if cerr := ws.Close(); cerr != nil {
				logger.Warn("closing websocket failed", zap.Error(cerr))
			}
			return
		}
		if err := manager.HandleConnection(ctx, tele); err != nil {
			logger.Warn("media stream session ended with error", zap.Error(err))
		}
	}
}
