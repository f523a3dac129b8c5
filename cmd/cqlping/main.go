// Command cqlping opens a session against a cluster, runs one query,
// and reports what happened. It exists to smoke-test configuration and
// connectivity, not to be a shell.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"gopkg.in/yaml.v2"

	"github.com/grafana/cqlpool/pkg/cluster"
	"github.com/grafana/cqlpool/pkg/conn"
	"github.com/grafana/cqlpool/pkg/session"
)

type pingConfig struct {
	Session session.Config `yaml:"session"`

	Addresses    string        `yaml:"addresses"`
	Port         int           `yaml:"port"`
	Datacenter   string        `yaml:"datacenter"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	Statement    string        `yaml:"statement"`
	Timeout      time.Duration `yaml:"timeout"`
	PrintMetrics bool          `yaml:"print_metrics"`
}

func (cfg *pingConfig) registerFlags(f *flag.FlagSet) {
	cfg.Session.RegisterFlags(f)
	f.StringVar(&cfg.Addresses, "addresses", "127.0.0.1", "Comma-separated hostnames or ips of cluster nodes.")
	f.IntVar(&cfg.Port, "port", 9042, "Native protocol port.")
	f.StringVar(&cfg.Datacenter, "datacenter", "", "Local datacenter; empty selects plain round-robin.")
	f.StringVar(&cfg.Username, "username", "", "Username to authenticate with.")
	f.StringVar(&cfg.Password, "password", "", "Password to authenticate with.")
	f.StringVar(&cfg.Statement, "statement", "SELECT release_version FROM system.local", "Statement to run once.")
	f.DurationVar(&cfg.Timeout, "timeout", 5*time.Second, "Overall deadline for connect plus query.")
	f.BoolVar(&cfg.PrintMetrics, "print-metrics", false, "Dump session metrics before exiting.")
}

func main() {
	var (
		cfg        pingConfig
		configFile string
	)
	fs := flag.NewFlagSet("cqlping", flag.ExitOnError)
	fs.StringVar(&configFile, "config.file", "", "Optional yaml file applied before flags.")
	cfg.registerFlags(fs)

	// Flags win over the config file, so parse twice around the load.
	args := os.Args[1:]
	_ = fs.Parse(args)
	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "reading %s: %v\n", configFile, err)
			os.Exit(1)
		}
		if err := yaml.UnmarshalStrict(buf, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "parsing %s: %v\n", configFile, err)
			os.Exit(1)
		}
		_ = fs.Parse(args)
	}

	logger := level.NewFilter(log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr)), level.AllowInfo())
	if err := run(cfg, logger); err != nil {
		level.Error(logger).Log("msg", "cqlping failed", "err", err)
		os.Exit(1)
	}
}

func run(cfg pingConfig, logger log.Logger) error {
	if cfg.Username != "" {
		cfg.Session.Conn.Credentials = map[string]string{
			"username": cfg.Username,
			"password": cfg.Password,
		}
	}

	var policy cluster.Policy
	if cfg.Datacenter != "" {
		policy = cluster.NewDCAwarePolicy(cfg.Datacenter)
	} else {
		policy = cluster.NewRoundRobinPolicy()
	}
	for _, addr := range strings.Split(cfg.Addresses, ",") {
		endpoint := cluster.ParseEndpoint(addr, cfg.Port)
		policy.AddHost(cluster.NewHost(endpoint, cfg.Datacenter, ""))
	}

	factory, err := conn.NewFactory(cfg.Session.Conn, logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	sess, err := session.New(cfg.Session, policy, factory, session.Callbacks{
		Ready: func(*session.Session) {
			level.Info(logger).Log("msg", "session ready")
		},
		Defunct: func(*session.Session) {
			level.Error(logger).Log("msg", "session defunct")
		},
	}, logger, reg)
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	if err := sess.Init(ctx); err != nil {
		return err
	}
	level.Info(logger).Log("msg", "connected", "pooled_connections", sess.Size())

	res, err := sess.QueryAsync(ctx, cfg.Statement).Wait(ctx)
	if err != nil {
		return err
	}
	level.Info(logger).Log("msg", "query ok", "opcode", res.Opcode, "body_bytes", len(res.Body))

	if cfg.PrintMetrics {
		families, err := reg.Gather()
		if err != nil {
			return err
		}
		enc := expfmt.NewEncoder(os.Stdout, expfmt.NewFormat(expfmt.TypeTextPlain))
		for _, fam := range families {
			if err := enc.Encode(fam); err != nil {
				return err
			}
		}
	}
	return nil
}
