package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"text/template"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/claude-coding-worker/internal/config"
)

const (
	serviceName     = "coding-worker"
	systemdUnitPath = "/etc/systemd/system/coding-worker.service"
)

// The agent keeps its session state under the service user's home, so the
// home directory stays writable
const systemdUnitTemplate = `[Unit]
Description=Coding Task Worker
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.ExecStart}}
Restart=always
RestartSec=10
# Running tasks get the agent timeout to finish on stop
TimeoutStopSec={{.StopTimeout}}
KillMode=mixed

{{if .User}}User={{.User}}{{end}}
{{if .Group}}Group={{.Group}}{{end}}

NoNewPrivileges=true
ProtectSystem=strict
PrivateTmp=false
ReadWritePaths={{join .WritablePaths " "}}

LimitNOFILE=65535

StandardOutput=journal
StandardError=journal
SyslogIdentifier=coding-worker

[Install]
WantedBy=multi-user.target
`

type unitConfig struct {
	ExecStart     string
	User          string
	Group         string
	StopTimeout   int // seconds
	WritablePaths []string
}

func renderUnit(cfg unitConfig) (string, error) {
	tmpl, err := template.New("unit").Funcs(template.FuncMap{"join": strings.Join}).Parse(systemdUnitTemplate)
	if err != nil {
		return "", fmt.Errorf("parsing unit template: %w", err)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, cfg); err != nil {
		return "", fmt.Errorf("executing unit template: %w", err)
	}
	return b.String(), nil
}

// writablePaths lists every directory the worker writes to
func writablePaths(cfg *config.Config) []string {
	paths := []string{cfg.Git.BaseReposPath, cfg.Git.WorktreesPath, filepath.Dir(cfg.Database.Path)}
	if cfg.Log.File != "" {
		paths = append(paths, filepath.Dir(cfg.Log.File))
	}
	seen := make(map[string]bool)
	var out []string
	for _, p := range paths {
		if p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

var (
	serviceUser  string
	serviceGroup string
)

func init() {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the coding-worker systemd service",
	}

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install coding-worker as a systemd service",
		Long: `Creates a systemd unit running "coding-worker serve" and enables it.
The data directories from the configuration are created and made writable.

Requires root privileges.`,
		RunE: runServiceInstall,
	}
	installCmd.Flags().StringVar(&serviceUser, "user", "", "user to run the service as")
	installCmd.Flags().StringVar(&serviceGroup, "group", "", "group to run the service as")

	uninstallCmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Stop, disable and remove the coding-worker service",
		RunE:  runServiceUninstall,
	}

	serviceCmd.AddCommand(installCmd, uninstallCmd,
		systemctlCmd("start", "Start the coding-worker service"),
		systemctlCmd("stop", "Stop the coding-worker service"),
		systemctlCmd("restart", "Restart the coding-worker service"),
		systemctlCmd("status", "Show coding-worker service status"),
		newServiceLogsCmd(),
	)
	rootCmd.AddCommand(serviceCmd)
}

func systemctlCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireLinux(); err != nil {
				return err
			}
			if !serviceInstalled() {
				return fmt.Errorf("service not installed. Run: coding-worker service install")
			}
			sysArgs := []string{action, serviceName}
			if action == "status" {
				sysArgs = append(sysArgs, "--no-pager")
				return runCmdInteractive("systemctl", sysArgs...)
			}
			if !isRoot() {
				return runCmdInteractive("sudo", append([]string{"systemctl"}, sysArgs...)...)
			}
			return runCmd("systemctl", sysArgs...)
		},
	}
}

func newServiceLogsCmd() *cobra.Command {
	var follow bool
	var lines int
	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Show coding-worker service logs via journalctl",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireLinux(); err != nil {
				return err
			}
			jArgs := []string{"-u", serviceName, "-n", fmt.Sprintf("%d", lines), "--no-pager"}
			if follow {
				jArgs = append(jArgs, "-f")
			}
			return runCmdInteractive("journalctl", jArgs...)
		},
	}
	logsCmd.Flags().BoolVarP(&follow, "follow", "f", false, "follow log output")
	logsCmd.Flags().IntVarP(&lines, "lines", "n", 50, "number of lines to show")
	return logsCmd
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
	if err := requireLinux(); err != nil {
		return err
	}
	if !isRoot() {
		return fmt.Errorf("root privileges required to install service. Try: sudo %s service install", os.Args[0])
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	execPath, err := findBinary()
	if err != nil {
		return err
	}
	execStart := execPath + " serve"
	cfgPath := configPath
	if cfgPath == "" {
		cfgPath = config.FindConfig()
	}
	if cfgPath != "" {
		execStart = fmt.Sprintf("%s --config %s serve", execPath, cfgPath)
	}

	paths := writablePaths(cfg)
	for _, dir := range paths {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
		if serviceUser != "" {
			if err := runCmd("chown", "-R", serviceUser+":"+serviceGroup, dir); err != nil {
				fmt.Printf("Warning: could not set ownership on %s: %v\n", dir, err)
			}
		}
	}

	unit, err := renderUnit(unitConfig{
		ExecStart:     execStart,
		User:          serviceUser,
		Group:         serviceGroup,
		StopTimeout:   int((cfg.Coding.AgentTimeout() + shutdownSlack).Seconds()),
		WritablePaths: paths,
	})
	if err != nil {
		return err
	}

	if err := os.WriteFile(systemdUnitPath, []byte(unit), 0644); err != nil {
		return fmt.Errorf("writing unit file: %w", err)
	}
	fmt.Printf("Created systemd unit: %s\n", systemdUnitPath)

	if err := runCmd("systemctl", "daemon-reload"); err != nil {
		return fmt.Errorf("reloading systemd: %w", err)
	}
	if err := runCmd("systemctl", "enable", serviceName); err != nil {
		return fmt.Errorf("enabling service: %w", err)
	}

	fmt.Printf("\nService installed and enabled.\n")
	fmt.Printf("  Start:  coding-worker service start\n")
	fmt.Printf("  Status: coding-worker service status\n")
	fmt.Printf("  Logs:   coding-worker service logs -f\n")
	return nil
}

func runServiceUninstall(cmd *cobra.Command, args []string) error {
	if err := requireLinux(); err != nil {
		return err
	}
	if !isRoot() {
		return fmt.Errorf("root privileges required. Try: sudo %s service uninstall", os.Args[0])
	}

	_ = runCmd("systemctl", "stop", serviceName)
	_ = runCmd("systemctl", "disable", serviceName)

	if err := os.Remove(systemdUnitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing unit file: %w", err)
	}
	if err := runCmd("systemctl", "daemon-reload"); err != nil {
		return fmt.Errorf("reloading systemd: %w", err)
	}

	fmt.Printf("Service uninstalled. Configuration, mirrors and history were kept.\n")
	return nil
}

func requireLinux() error {
	if runtime.GOOS != "linux" {
		return fmt.Errorf("systemd service management is only supported on Linux")
	}
	return nil
}

func isRoot() bool {
	return os.Geteuid() == 0
}

func serviceInstalled() bool {
	_, err := os.Stat(systemdUnitPath)
	return err == nil
}

func findBinary() (string, error) {
	execPath, err := os.Executable()
	if err == nil {
		if execPath, err = filepath.EvalSymlinks(execPath); err == nil {
			return execPath, nil
		}
	}
	if path, err := exec.LookPath("coding-worker"); err == nil {
		return filepath.Abs(path)
	}
	return "", fmt.Errorf("could not find the coding-worker binary. Ensure it is installed in PATH")
}

func runCmd(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func runCmdInteractive(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
