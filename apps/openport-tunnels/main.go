package main

import (
	"context"
	"errors"
	"fmt"
	o "github.com/openportio/openport-tunnels"
	"github.com/openportio/openport-tunnels/config"
	"github.com/openportio/openport-tunnels/database"
	"github.com/openportio/openport-tunnels/supervisor"
	"github.com/openportio/openport-tunnels/utils"
	"github.com/openportio/openport-tunnels/ws_channel"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"golang.org/x/term"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
)

func main() {
	os.Exit(run(os.Args))
}

var stdout io.Writer = os.Stdout

var readPassword = func(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	buf, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	return string(buf), err
}

var commands = []struct {
	name  string
	usage string
}{
	{"connection add <name>", "Add or overwrite a connection profile."},
	{"connection rm <name>", "Remove a connection profile."},
	{"connection list", "List connection profiles."},
	{"create <connection>", "Create a tunnel and start it."},
	{"start <id>", "Start a stopped or failed tunnel."},
	{"stop <id>", "Stop a tunnel."},
	{"rm <id>", "Remove a stopped tunnel."},
	{"list", "List tunnels."},
	{"evaluate", "Probe all tunnels and restart the ones that died."},
	{"check <id>", "Open a connection through a tunnel."},
	{"watch", "Follow tunnel changes on the daemon."},
	{"key generate <name>", "Generate a key pair."},
	{"key pubkey <name>", "Print a public key."},
	{"key rm <name>", "Remove a key pair."},
	{"key list", "List key pairs."},
	{"key install <name>", "Append a public key to authorized_keys on a server."},
	{"version", "Show the version of the client executable."},
}

func myUsage() {
	fmt.Fprintf(stdout, "Usage: %s <command> [arguments]\n", os.Args[0])
	fmt.Fprintln(stdout, "Commands:")
	for _, command := range commands {
		fmt.Fprintf(stdout, "  %-24s %s\n", command.name, command.usage)
	}
	fmt.Fprintln(stdout, "Run 'openport-tunnels <command> --help' for more information about the command.")
}

// session is what one command invocation works against: the daemon when one answers, the
// database directly otherwise.
type session struct {
	cfg     config.Config
	service o.Service
	daemon  *o.ControlClient
	close   func()
}

func openSession(configPath string, databasePath string, local bool, verbose bool) (*session, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", supervisor.ErrValidation, err)
	}
	if databasePath != "" {
		cfg.DatabasePath = databasePath
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	o.InitLogging(verbose, cfg.LogFile)

	if !local {
		client := o.NewControlClient(cfg.Control.Address)
		if client.Alive() {
			log.Debugf("Using daemon at %s", cfg.Control.Address)
			return &session{cfg: cfg, service: client, daemon: client, close: func() {}}, nil
		}
	}
	app := o.CreateApp(cfg)
	if err := app.InitFiles(); err != nil {
		return nil, err
	}
	return &session{cfg: cfg, service: app, close: func() { app.Stop(o.EXIT_CODE_OK) }}, nil
}

func fail(err error) int {
	log.Error(err)
	return o.ExitCodeFor(err)
}

func usageError(format string, args ...interface{}) int {
	log.Errorf(format, args...)
	return o.EXIT_CODE_INVALID_ARGUMENT
}

func run(args []string) int {
	var configPath string
	var databasePath string
	var verbose = false
	var local = false
	var help = false

	addVerboseFlag := func(set *flag.FlagSet) {
		set.BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")
	}
	addHelpFlag := func(set *flag.FlagSet) {
		set.BoolVarP(&help, "help", "h", false, "Show help message")
	}
	addSharedFlags := func(set *flag.FlagSet) {
		set.StringVarP(&configPath, "config", "c", os.Getenv("OPENPORT_TUNNELS_CONFIG"), "Configuration file (yaml or toml)")
		set.StringVar(&databasePath, "database", "", "Database file")
		utils.FailOnError(set.MarkHidden("database"), "")
		set.BoolVar(&local, "local", false, "Work on the database directly, even when the daemon is running")
		addVerboseFlag(set)
		addHelpFlag(set)
	}
	newFlagSet := func(name string) *flag.FlagSet {
		set := flag.NewFlagSet(name, flag.ContinueOnError)
		set.SetOutput(stdout)
		addSharedFlags(set)
		return set
	}

	if len(args) <= 1 {
		myUsage()
		return o.EXIT_CODE_USAGE
	}

	command := args[1]
	rest := args[2:]
	if command == "connection" || command == "key" {
		if len(rest) == 0 {
			myUsage()
			return o.EXIT_CODE_USAGE
		}
		command += " " + rest[0]
		rest = rest[1:]
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch command {
	case "version":
		versionFlagSet := flag.NewFlagSet("version", flag.ContinueOnError)
		addHelpFlag(versionFlagSet)
		if err := versionFlagSet.Parse(rest); err != nil || help {
			fmt.Fprintln(stdout, "Usage: openport-tunnels version")
			return o.EXIT_CODE_USAGE
		}
		fmt.Fprintln(stdout, o.VERSION)
		return o.EXIT_CODE_OK

	case "connection add":
		set := newFlagSet(command)
		host := set.String("host", "", "Host name or address of the SSH server")
		port := set.Int("port", 22, "SSH port")
		username := set.StringP("user", "u", "", "Login name")
		keyName := set.StringP("key", "k", "", "Key pair to authenticate with. Defaults to the configured default key.")
		askPassword := set.Bool("password", false, "Prompt for a password to keep on file (only a hash is stored)")
		if err := set.Parse(rest); err != nil || help {
			fmt.Fprintln(stdout, "Usage: openport-tunnels connection add <name> --host <host> --user <user> [arguments]")
			set.PrintDefaults()
			return o.EXIT_CODE_USAGE
		}
		if set.NArg() != 1 {
			return usageError("connection add needs exactly one name")
		}
		req := supervisor.ConnectionRequest{Name: set.Arg(0), Host: *host, Port: *port, Username: *username, KeyName: *keyName}
		if *askPassword {
			password, err := readPassword(fmt.Sprintf("Password for %s@%s: ", *username, *host))
			if err != nil {
				return fail(err)
			}
			req.Password = password
		}
		s, err := openSession(configPath, databasePath, local, verbose)
		if err != nil {
			return fail(err)
		}
		defer s.close()
		connection, err := s.service.PutConnection(req)
		if err != nil {
			return fail(err)
		}
		log.Infof("Saved connection %s (%s@%s:%d)", connection.Name, connection.Username, connection.Host, connection.Port)
		return o.EXIT_CODE_OK

	case "connection rm":
		set := newFlagSet(command)
		if err := set.Parse(rest); err != nil || help {
			fmt.Fprintln(stdout, "Usage: openport-tunnels connection rm <name>")
			set.PrintDefaults()
			return o.EXIT_CODE_USAGE
		}
		if set.NArg() != 1 {
			return usageError("connection rm needs exactly one name")
		}
		s, err := openSession(configPath, databasePath, local, verbose)
		if err != nil {
			return fail(err)
		}
		defer s.close()
		if err := s.service.DeleteConnection(set.Arg(0)); err != nil {
			return fail(err)
		}
		log.Infof("Removed connection %s", set.Arg(0))
		return o.EXIT_CODE_OK

	case "connection list":
		set := newFlagSet(command)
		if err := set.Parse(rest); err != nil || help {
			fmt.Fprintln(stdout, "Usage: openport-tunnels connection list")
			set.PrintDefaults()
			return o.EXIT_CODE_USAGE
		}
		s, err := openSession(configPath, databasePath, local, verbose)
		if err != nil {
			return fail(err)
		}
		defer s.close()
		connections, err := s.service.ListConnections()
		if err != nil {
			return fail(err)
		}
		o.RenderConnections(stdout, connections, s.cfg.Keys.DefaultName)
		return o.EXIT_CODE_OK

	case "create":
		set := newFlagSet(command)
		tunnelType := set.StringP("type", "t", string(database.TunnelLocal), "Forwarding type. choices=[local, remote, dynamic]")
		listenPort := set.IntP("port", "p", 0, "Port to listen on. 0 picks a free local port (local and dynamic only).")
		remote := set.StringP("remote", "r", "", "Destination as host:port (local and remote only)")
		noRestart := set.Bool("no-restart", false, "Do not restart the tunnel when its process dies")
		maxRestarts := set.Int("max-restarts", -1, "Consecutive restarts before the tunnel is marked failed. -1 uses the configured default.")
		if err := set.Parse(rest); err != nil || help {
			fmt.Fprintln(stdout, "Usage: openport-tunnels create <connection> --type <local|remote|dynamic> --port <port> [--remote host:port] [arguments]")
			set.PrintDefaults()
			return o.EXIT_CODE_USAGE
		}
		if set.NArg() != 1 {
			return usageError("create needs exactly one connection name")
		}
		req := supervisor.TunnelRequest{
			ConnectionName: set.Arg(0),
			Type:           database.TunnelType(strings.ToLower(*tunnelType)),
			ListenPort:     *listenPort,
		}
		if *remote != "" {
			host, port, err := splitHostPort(*remote)
			if err != nil {
				return usageError("invalid format for --remote (host:port): %s", *remote)
			}
			req.RemoteHost = host
			req.RemotePort = port
		}
		if *noRestart {
			autoRestart := false
			req.AutoRestart = &autoRestart
		}
		if *maxRestarts >= 0 {
			req.MaxRestarts = maxRestarts
		}
		s, err := openSession(configPath, databasePath, local, verbose)
		if err != nil {
			return fail(err)
		}
		defer s.close()
		tunnel, err := s.service.CreateTunnel(ctx, req)
		if err != nil {
			return fail(err)
		}
		o.RenderTunnels(stdout, []database.Tunnel{tunnel})
		return o.EXIT_CODE_OK

	case "start", "stop", "rm":
		set := newFlagSet(command)
		if err := set.Parse(rest); err != nil || help {
			fmt.Fprintf(stdout, "Usage: openport-tunnels %s <id>\n", command)
			set.PrintDefaults()
			return o.EXIT_CODE_USAGE
		}
		if set.NArg() != 1 {
			return usageError("%s needs exactly one tunnel id", command)
		}
		s, err := openSession(configPath, databasePath, local, verbose)
		if err != nil {
			return fail(err)
		}
		defer s.close()
		id := set.Arg(0)
		switch command {
		case "start":
			tunnel, err := s.service.StartTunnel(ctx, id)
			if err != nil {
				return fail(err)
			}
			o.RenderTunnels(stdout, []database.Tunnel{tunnel})
		case "stop":
			tunnel, err := s.service.StopTunnel(ctx, id)
			if err != nil {
				return fail(err)
			}
			o.RenderTunnels(stdout, []database.Tunnel{tunnel})
		case "rm":
			if err := s.service.DeleteTunnel(id); err != nil {
				return fail(err)
			}
			log.Infof("Removed tunnel %s", id)
		}
		return o.EXIT_CODE_OK

	case "list", "evaluate":
		set := newFlagSet(command)
		if err := set.Parse(rest); err != nil || help {
			fmt.Fprintf(stdout, "Usage: openport-tunnels %s\n", command)
			set.PrintDefaults()
			return o.EXIT_CODE_USAGE
		}
		s, err := openSession(configPath, databasePath, local, verbose)
		if err != nil {
			return fail(err)
		}
		defer s.close()
		var tunnels []database.Tunnel
		if command == "list" {
			tunnels, err = s.service.ListTunnels()
		} else {
			tunnels, err = s.service.Evaluate(ctx)
		}
		if err != nil {
			return fail(err)
		}
		o.RenderTunnels(stdout, tunnels)
		return o.EXIT_CODE_OK

	case "check":
		set := newFlagSet(command)
		target := set.String("target", "", "host:port to reach through a dynamic tunnel. Defaults to the SSH server itself.")
		timeout := set.Duration("timeout", 5*time.Second, "Connect timeout")
		if err := set.Parse(rest); err != nil || help {
			fmt.Fprintln(stdout, "Usage: openport-tunnels check <id> [--target host:port]")
			set.PrintDefaults()
			return o.EXIT_CODE_USAGE
		}
		if set.NArg() != 1 {
			return usageError("check needs exactly one tunnel id")
		}
		s, err := openSession(configPath, databasePath, local, verbose)
		if err != nil {
			return fail(err)
		}
		defer s.close()
		tunnel, err := s.service.GetTunnel(set.Arg(0))
		if err != nil {
			return fail(err)
		}
		if tunnel.Status != database.StatusRunning {
			log.Errorf("Tunnel %s is %s", tunnel.ID, tunnel.Status)
			return o.EXIT_CODE_TUNNEL_FAILED
		}
		switch tunnel.Type {
		case database.TunnelDynamic:
			if *target == "" {
				connections, err := s.service.ListConnections()
				if err != nil {
					return fail(err)
				}
				for _, connection := range connections {
					if connection.Name == tunnel.ConnectionName {
						*target = fmt.Sprintf("%s:%d", connection.Host, connection.Port)
					}
				}
			}
			err = o.CheckSocksProxy(tunnel.ListenPort, *target, *timeout)
		case database.TunnelLocal:
			err = o.CheckLocalForward(tunnel.ListenPort, *timeout)
		default:
			log.Infof("Tunnel %s listens on the server; only its process is checked", tunnel.ID)
		}
		if err != nil {
			log.Error(err)
			return o.EXIT_CODE_TUNNEL_FAILED
		}
		log.Infof("Tunnel %s is working", tunnel.ID)
		return o.EXIT_CODE_OK

	case "watch":
		set := newFlagSet(command)
		if err := set.Parse(rest); err != nil || help {
			fmt.Fprintln(stdout, "Usage: openport-tunnels watch")
			set.PrintDefaults()
			return o.EXIT_CODE_USAGE
		}
		s, err := openSession(configPath, databasePath, false, verbose)
		if err != nil {
			return fail(err)
		}
		defer s.close()
		if s.daemon == nil {
			log.Errorf("No daemon is answering on %s", s.cfg.Control.Address)
			return o.EXIT_CODE_NO_DAEMON
		}
		return watch(ctx, "ws://"+s.cfg.Control.Address)

	case "key generate":
		set := newFlagSet(command)
		keyType := set.StringP("type", "t", "", "Key type. choices=[ed25519, rsa, ecdsa]. Defaults to the configured type.")
		bits := set.IntP("bits", "b", 0, "Key size for rsa and ecdsa keys")
		if err := set.Parse(rest); err != nil || help {
			fmt.Fprintln(stdout, "Usage: openport-tunnels key generate <name> [--type ed25519] [--bits n]")
			set.PrintDefaults()
			return o.EXIT_CODE_USAGE
		}
		if set.NArg() != 1 {
			return usageError("key generate needs exactly one name")
		}
		s, err := openSession(configPath, databasePath, local, verbose)
		if err != nil {
			return fail(err)
		}
		defer s.close()
		if err := s.service.GenerateKey(set.Arg(0), *keyType, *bits); err != nil {
			return fail(err)
		}
		publicKey, err := s.service.PublicKey(set.Arg(0))
		if err != nil {
			return fail(err)
		}
		fmt.Fprint(stdout, publicKey)
		return o.EXIT_CODE_OK

	case "key pubkey", "key rm":
		set := newFlagSet(command)
		if err := set.Parse(rest); err != nil || help {
			fmt.Fprintf(stdout, "Usage: openport-tunnels %s <name>\n", command)
			set.PrintDefaults()
			return o.EXIT_CODE_USAGE
		}
		if set.NArg() != 1 {
			return usageError("%s needs exactly one name", command)
		}
		s, err := openSession(configPath, databasePath, local, verbose)
		if err != nil {
			return fail(err)
		}
		defer s.close()
		if command == "key rm" {
			if err := s.service.RemoveKey(set.Arg(0)); err != nil {
				return fail(err)
			}
			log.Infof("Removed key %s", set.Arg(0))
			return o.EXIT_CODE_OK
		}
		publicKey, err := s.service.PublicKey(set.Arg(0))
		if err != nil {
			return fail(err)
		}
		fmt.Fprint(stdout, publicKey)
		return o.EXIT_CODE_OK

	case "key list":
		set := newFlagSet(command)
		if err := set.Parse(rest); err != nil || help {
			fmt.Fprintln(stdout, "Usage: openport-tunnels key list")
			set.PrintDefaults()
			return o.EXIT_CODE_USAGE
		}
		s, err := openSession(configPath, databasePath, local, verbose)
		if err != nil {
			return fail(err)
		}
		defer s.close()
		keys, err := s.service.ListKeys()
		if err != nil {
			return fail(err)
		}
		o.RenderKeys(stdout, keys)
		return o.EXIT_CODE_OK

	case "key install":
		set := newFlagSet(command)
		connectionName := set.String("connection", "", "Connection profile of the server")
		host := set.String("host", "", "Host name or address of the SSH server")
		port := set.Int("port", 22, "SSH port")
		username := set.StringP("user", "u", "", "Login name")
		if err := set.Parse(rest); err != nil || help {
			fmt.Fprintln(stdout, "Usage: openport-tunnels key install <name> (--connection <name> | --host <host> --user <user>)")
			set.PrintDefaults()
			return o.EXIT_CODE_USAGE
		}
		if set.NArg() != 1 {
			return usageError("key install needs exactly one key name")
		}
		s, err := openSession(configPath, databasePath, local, verbose)
		if err != nil {
			return fail(err)
		}
		defer s.close()
		target := utils.InstallTarget{Host: *host, Port: *port, Username: *username}
		if *connectionName != "" {
			connections, err := s.service.ListConnections()
			if err != nil {
				return fail(err)
			}
			found := false
			for _, connection := range connections {
				if connection.Name == *connectionName {
					target.Host, target.Port, target.Username = connection.Host, connection.Port, connection.Username
					found = true
				}
			}
			if !found {
				return fail(fmt.Errorf("%w: %s", supervisor.ErrProfileNotFound, *connectionName))
			}
		}
		if target.Host == "" || target.Username == "" {
			return usageError("key install needs --connection or both --host and --user")
		}
		publicKey, err := s.service.PublicKey(set.Arg(0))
		if err != nil {
			return fail(err)
		}
		target.HostKeyCallback, err = utils.KnownHostsCallback(s.cfg.SSH.KnownHostsFile, s.cfg.SSH.StrictHostKeyChecking)
		if err != nil {
			return fail(err)
		}
		target.Password, err = readPassword(fmt.Sprintf("Password for %s@%s: ", target.Username, target.Host))
		if err != nil {
			return fail(err)
		}
		if err := utils.InstallPublicKey(target, publicKey); err != nil {
			return fail(err)
		}
		return o.EXIT_CODE_OK

	default:
		log.Errorf("Unknown command: %s", command)
		myUsage()
		return o.EXIT_CODE_USAGE
	}
}

func splitHostPort(s string) (string, int, error) {
	i := strings.LastIndex(s, ":")
	if i <= 0 {
		return "", 0, errors.New("missing port")
	}
	port, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return "", 0, err
	}
	return strings.Trim(s[:i], "[]"), port, nil
}

// watch prints the tunnel table every time the daemon reports a change.
func watch(ctx context.Context, server string) int {
	client := &ws_channel.WSClient{}
	if err := client.Connect(ctx, server); err != nil {
		return fail(err)
	}
	go func() {
		<-ctx.Done()
		client.Close()
	}()
	for {
		event, err := client.Next()
		if err != nil {
			if ctx.Err() != nil {
				return o.EXIT_CODE_OK
			}
			log.Warnf("Event stream closed: %s", err)
			return o.EXIT_CODE_NO_DAEMON
		}
		fmt.Fprintf(stdout, "%s\n", event.At.Local().Format(time.DateTime))
		o.RenderTunnels(stdout, event.Tunnels)
	}
}
