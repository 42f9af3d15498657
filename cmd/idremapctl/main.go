// idremapctl runs the identity remapping engine against the current host or
// a static process context file.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"idremap/internal/config"
	"idremap/internal/engine"
	"idremap/internal/intercept"
	"idremap/internal/logging"
	"idremap/internal/metrics"
	"idremap/internal/security"
	"idremap/internal/snapshot"
	"idremap/pkg/modifymac"
)

// Version is set at build time.
var Version = "dev"

// app holds the flags and the state shared by every subcommand.
type app struct {
	configPath  string
	contextPath string
	dataDir     string
	pkg         string
	memory      bool
	auditPath   string

	cfg     *config.Config
	logger  *logging.Logger
	audit   *logging.AuditLogger
	metrics *metrics.EngineMetrics
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "idremapctl",
		Short:         "Per-install substitute device identifiers",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return a.teardown()
		},
	}

	f := root.PersistentFlags()
	f.StringVarP(&a.configPath, "config", "c", "", "config file (default: ./config.toml or the platform config dir)")
	f.StringVar(&a.contextPath, "context", "", "static process context JSON instead of the host")
	f.StringVar(&a.dataDir, "data-dir", "", "override storage.data_dir")
	f.StringVar(&a.pkg, "package", "", "override the install package name")
	f.BoolVar(&a.memory, "memory", false, "keep the identity in memory only")
	f.StringVar(&a.auditPath, "audit-log", "", "append lifecycle audit events to this file")

	root.AddCommand(
		newInfoCmd(a),
		newInitCmd(a),
		newModifyCmd(a),
		newGetCmd(a),
		newRegenerateCmd(a),
		newKindsCmd(),
		newServeCmd(a),
		newConfigCmd(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	if err := security.DisableCoreDumps(); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning: could not disable core dumps:", err)
	}

	path := a.configPath
	if path == "" {
		path = config.FindConfigFile()
	}
	if path == "" {
		path = config.ConfigPath()
	}
	a.configPath = path

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if a.dataDir != "" {
		cfg.Storage.DataDir = a.dataDir
	}
	if a.pkg != "" {
		cfg.Storage.Package = a.pkg
	}
	if a.memory {
		cfg.Storage.Backend = "memory"
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	a.cfg = cfg

	lc, err := logging.FromConfig(cfg.Logging, "idremapctl")
	if err != nil {
		return err
	}
	if lc.Output == "stderr" {
		lc.Writer = cmd.ErrOrStderr()
	}
	if a.logger, err = logging.New(lc); err != nil {
		return err
	}

	if a.auditPath != "" {
		if a.audit, err = logging.OpenAuditLog(a.auditPath, "idremapctl"); err != nil {
			return err
		}
		if err := a.audit.LogStartup(cmd.Context(), Version); err != nil {
			a.logger.Warn("audit write failed", "error", err)
		}
	}
	a.metrics = metrics.NewEngineMetrics(nil)
	return nil
}

// teardown closes the audit log and the logger. It is safe to call twice.
func (a *app) teardown() error {
	var errs []error
	if a.audit != nil {
		errs = append(errs, a.audit.Close())
		a.audit = nil
	}
	if a.logger != nil {
		errs = append(errs, a.logger.Close())
		a.logger = nil
	}
	return errors.Join(errs...)
}

// processContext returns the static context when --context is set, the host
// otherwise. The install package follows the context unless --package is set.
func (a *app) processContext() (snapshot.ProcessContext, error) {
	if a.contextPath == "" {
		return snapshot.NewHostContext(a.cfg.Storage.Package), nil
	}
	sc, err := snapshot.LoadStaticContext(a.contextPath)
	if err != nil {
		return nil, err
	}
	if a.pkg == "" && os.Getenv("IDREMAP_PACKAGE") == "" {
		a.cfg.Storage.Package = sc.Package
	}
	return sc, nil
}

// session opens an engine, collects a snapshot and runs Init.
type session struct {
	engine *engine.Engine
	pc     snapshot.ProcessContext
	status engine.Status
}

func (a *app) open(ctx context.Context) (*session, error) {
	pc, err := a.processContext()
	if err != nil {
		return nil, err
	}
	e, err := modifymac.NewEngine(
		modifymac.WithConfig(a.cfg),
		modifymac.WithLogger(a.logger.Logger),
		modifymac.WithOriginal(intercept.AttributeSource(pc.Attribute)),
		modifymac.WithMetrics(a.metrics),
	)
	if err != nil {
		return nil, err
	}
	return &session{engine: e, pc: pc}, nil
}

func (a *app) initSession(ctx context.Context) (*session, error) {
	s, err := a.open(ctx)
	if err != nil {
		return nil, err
	}
	s.status = s.engine.Init(ctx, s.engine.GetAppInfo(ctx, s.pc))

	active, inactive := 0, 0
	for _, st := range s.engine.Interception() {
		if st.Active {
			active++
		} else {
			inactive++
		}
	}
	if err := a.audit.LogInit(ctx, a.cfg.Storage.Package, s.status.String(), active, inactive); err != nil {
		a.logger.Warn("audit write failed", "error", err)
	}
	if !s.status.OK() {
		s.engine.Close()
		return nil, &statusError{op: "init", status: s.status}
	}
	return s, nil
}

// statusError carries a negative engine status out of a command so main can
// use it as the exit code.
type statusError struct {
	op     string
	status engine.Status
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s: %s (%d)", e.op, e.status, int32(e.status))
}

func exitCode(err error) int {
	var se *statusError
	if errors.As(err, &se) {
		return 10 - int(se.status)
	}
	return 1
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	cmd, err := root.ExecuteContextC(ctx)
	if err != nil {
		// PersistentPostRunE does not run after a failed command.
		if aerr := a.audit.LogError(ctx, cmd.Name(), err); aerr != nil {
			fmt.Fprintln(stderr, "warning: audit write failed:", aerr)
		}
		a.teardown()
		fmt.Fprintln(stderr, "Error:", err)
		return exitCode(err)
	}
	return 0
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
