package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/kades/kades"
	"github.com/kades/kades/common"
	"github.com/kades/kades/dht"
	"github.com/kades/kades/jobs"
	"github.com/kades/kades/proto"
)

// these two can be set at build time with -ldflags -X
var (
	Version   = "N/A"
	BuildTime = "N/A"
)

// loadIdentity reads the node ID from disk, generating and persisting a
// fresh one on first run.
func loadIdentity(path string, bits int) (dht.ID, error) {
	raw, err := os.ReadFile(path)

	if err == nil && len(raw)*8 == bits {
		return dht.NewID(raw), nil
	}

	id, err := dht.RandomID(bits)

	if err != nil {
		return dht.ID{}, err
	}

	err = os.WriteFile(path, id.Raw, 0600)

	if err != nil {
		return dht.ID{}, err
	}

	return id, nil
}

func setupTransport() proto.Transport {
	bind := viper.GetString("bind.addr")
	advertise := viper.GetString("bind.advertise")

	switch viper.GetString("bind.transport") {
	case "tcp":
		t, err := proto.ListenTCP(bind, advertise)

		if err != nil {
			log.Fatal("Failed to listen: ", err.Error())
		}

		return t
	case "udp":
		t, err := proto.ListenUDP(bind)

		if err != nil {
			log.Fatal("Failed to listen: ", err.Error())
		}

		return t
	default:
		log.Fatal("Unknown transport: ", viper.GetString("bind.transport"))
		return nil
	}
}

func setupStore() dht.Store {
	ttl := viper.GetDuration("store.ttl")

	switch viper.GetString("store.backend") {
	case "sqlite":
		store, err := dht.NewSQLStore(viper.GetString("store.path"), ttl)

		if err != nil {
			log.Fatal("Failed to open store: ", err.Error())
		}

		return store
	case "mem":
		return dht.NewMemStore(ttl)
	default:
		log.Fatal("Unknown store backend: ", viper.GetString("store.backend"))
		return nil
	}
}

func main() {

	log.SetLevel(log.DebugLevel)
	formatter := new(log.TextFormatter)
	formatter.FullTimestamp = true
	formatter.TimestampFormat = "15:04:05"
	log.SetFormatter(formatter)

	os.Mkdir("./data", 0777)

	SetupConfig()

	cfg := kades.Config{
		HashBits:       viper.GetInt("network.hashBits"),
		K:              viper.GetInt("network.k"),
		Alpha:          viper.GetInt("network.alpha"),
		RequestTimeout: viper.GetDuration("network.timeout"),
	}

	self, err := loadIdentity(viper.GetString("identity"), cfg.HashBits)

	if err != nil {
		log.Fatal("Failed to load identity: ", err.Error())
	}

	log.WithFields(log.Fields{
		"version": Version,
		"built":   BuildTime,
	}).Info("Starting kadesd")

	transport := setupTransport()
	store := setupStore()

	msgr := proto.NewMessenger(transport, common.CryptoRNG{})

	node, err := kades.NewNode(cfg, self, store, msgr)

	if err != nil {
		log.Fatal(err.Error())
	}

	log.Info("My ID: ", self.String())
	log.Info("My address: ", node.Self().Addr)

	bootstrap := viper.GetString("bootstrap")

	if bootstrap != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)

		err = node.Join(ctx, bootstrap)
		cancel()

		if err != nil {
			log.Error("Bootstrap failed: ", err.Error())
		} else {
			log.Info("Joined network, routing table holds ",
				node.Table().Len(), " contacts")
		}
	}

	refreshQuit := jobs.RefreshJob(node, cfg.HashBits, viper.GetDuration("refresh"))

	// Listen for SIGINT
	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, os.Interrupt)

	for range sigchan {
		close(refreshQuit)
		node.Close()

		if closer, ok := store.(*dht.SQLStore); ok {
			closer.Close()
		}

		os.Exit(0)
	}
}
