package ingestor

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/unsmeta/metasync/pkg/aliascache"
	"github.com/unsmeta/metasync/pkg/metastore"
	"github.com/unsmeta/metasync/pkg/unspath"
)

const connectTimeout = 30 * time.Second

// publisher sends outbound MQTT commands, in practice only rebirth
// requests. Narrowed from the paho client so tests can capture publishes.
type publisher interface {
	Publish(topic string, payload []byte) error
}

// Ingestor subscribes to the Sparkplug namespace, maintains the alias
// tables announced by birth certificates, and upserts decoded frames into
// the metadata store.
type Ingestor struct {
	services.Service

	cfg    Config
	logger log.Logger

	aliases *aliascache.Registry
	ids     *unspath.Generator

	mqttClient mqtt.Client
	pool       *pgxpool.Pool
	db         metastore.TxBeginner
	lineage    *metastore.LineageVersionWriter

	runCtx    context.Context
	runCancel context.CancelFunc

	mtx         sync.Mutex
	lastRebirth map[aliascache.Key]time.Time
	knownPaths  map[string]string

	nowFn func() time.Time
}

func New(cfg Config, logger log.Logger) (*Ingestor, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	i := &Ingestor{
		cfg:         cfg,
		logger:      logger,
		ids:         unspath.NewGenerator(logger),
		lastRebirth: make(map[aliascache.Key]time.Time),
		knownPaths:  make(map[string]string),
		nowFn:       time.Now,
	}
	i.Service = services.NewBasicService(i.starting, i.running, i.stopping)
	return i, nil
}

func (i *Ingestor) starting(ctx context.Context) error {
	aliases, err := aliascache.Load(i.cfg.AliasCachePath)
	if err != nil {
		return fmt.Errorf("loading alias cache: %w", err)
	}
	i.aliases = aliases
	level.Info(i.logger).Log("msg", "alias cache loaded", "path", i.cfg.AliasCachePath, "tables", aliases.Len())

	i.runCtx, i.runCancel = context.WithCancel(context.Background())

	if i.cfg.Store.Mode == "local" {
		pool, err := pgxpool.New(ctx, i.cfg.Store.DSN())
		if err != nil {
			return fmt.Errorf("connecting to metadata store: %w", err)
		}
		i.pool = pool
		i.db = pool
		i.lineage = metastore.NewLineageVersionWriter(pool, metricLineageWrites)
	}

	clientID := i.cfg.MQTT.ClientID
	if clientID == "" {
		// brokers drop duplicate client ids, so derive a unique one
		clientID = "metasync-" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("ssl://%s:%d", i.cfg.MQTT.Broker, i.cfg.MQTT.Port)).
		SetClientID(clientID).
		SetUsername(i.cfg.MQTT.Username).
		SetPassword(i.cfg.MQTT.Password).
		SetTLSConfig(&tls.Config{InsecureSkipVerify: i.cfg.MQTT.TLSInsecure}).
		SetAutoReconnect(true).
		SetOnConnectHandler(i.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			level.Warn(i.logger).Log("msg", "mqtt connection lost", "err", err)
		})

	i.mqttClient = mqtt.NewClient(opts)
	token := i.mqttClient.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt connect to %s:%d timed out", i.cfg.MQTT.Broker, i.cfg.MQTT.Port)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s:%d: %w", i.cfg.MQTT.Broker, i.cfg.MQTT.Port, err)
	}
	return nil
}

// onConnect runs on every (re)connection, so subscriptions survive broker
// restarts.
func (i *Ingestor) onConnect(client mqtt.Client) {
	for _, topic := range []string{i.cfg.MQTT.TopicAll, i.cfg.MQTT.TopicNBirthAll, i.cfg.MQTT.TopicDBirthAll} {
		token := client.Subscribe(topic, 0, i.onMessage)
		token.Wait()
		if err := token.Error(); err != nil {
			level.Error(i.logger).Log("msg", "mqtt subscribe failed", "topic", topic, "err", err)
			continue
		}
		level.Info(i.logger).Log("msg", "subscribed", "topic", topic)
	}
}

func (i *Ingestor) onMessage(_ mqtt.Client, msg mqtt.Message) {
	i.handleMessage(i.runCtx, mqttPublisher{client: i.mqttClient}, msg.Topic(), msg.Payload())
}

func (i *Ingestor) running(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (i *Ingestor) stopping(_ error) error {
	i.runCancel()
	if i.mqttClient != nil && i.mqttClient.IsConnected() {
		i.mqttClient.Disconnect(250)
	}
	if err := i.aliases.Save(i.cfg.AliasCachePath); err != nil {
		level.Error(i.logger).Log("msg", "saving alias cache failed", "path", i.cfg.AliasCachePath, "err", err)
	} else {
		level.Info(i.logger).Log("msg", "alias cache saved", "path", i.cfg.AliasCachePath, "tables", i.aliases.Len())
	}
	if i.pool != nil {
		i.pool.Close()
	}
	return nil
}

type mqttPublisher struct {
	client mqtt.Client
}

func (p mqttPublisher) Publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	return token.Error()
}
