package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"text/template"

	"github.com/spf13/cobra"

	"coderun/internal/config"
)

const (
	serviceLabel = "com.coderun.serve"
	serviceName  = "coderun"
)

// service describes the background `coderun serve` process.
type service struct {
	Label   string
	Exec    string
	Config  string
	Log     string
	ErrLog  string
	EnvFile string
}

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage coderun as a background service (launchd/systemd)",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Install a user service that runs `coderun serve` at login",
		RunE: func(cmd *cobra.Command, args []string) error {
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			logDir := filepath.Join(config.DefaultConfigDir(), "logs")
			if err := os.MkdirAll(logDir, 0o755); err != nil {
				return err
			}
			svc := service{
				Label:   serviceLabel,
				Exec:    execPath,
				Config:  config.ExpandPath(resolveConfigPath()),
				Log:     filepath.Join(logDir, "coderun.log"),
				ErrLog:  filepath.Join(logDir, "coderun-error.log"),
				EnvFile: filepath.Join(config.DefaultConfigDir(), ".env"),
			}

			path, err := servicePath(runtime.GOOS)
			if err != nil {
				return err
			}
			unit, err := renderService(runtime.GOOS, svc)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, unit, 0o644); err != nil {
				return err
			}

			fmt.Printf("Service installed: %s\n", path)
			if runtime.GOOS == "darwin" {
				fmt.Printf("To start: launchctl load %s\n", path)
				fmt.Printf("To stop:  launchctl unload %s\n", path)
			} else {
				fmt.Printf("To start:  systemctl --user start %s\n", serviceName)
				fmt.Printf("To enable: systemctl --user enable %s\n", serviceName)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := servicePath(runtime.GOOS)
			if err != nil {
				return err
			}
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove service file: %w", err)
			}
			fmt.Printf("Service removed: %s\n", path)
			return nil
		},
	})
	return cmd
}

func servicePath(goos string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	switch goos {
	case "darwin":
		return filepath.Join(home, "Library", "LaunchAgents", serviceLabel+".plist"), nil
	case "linux":
		return filepath.Join(home, ".config", "systemd", "user", serviceName+".service"), nil
	default:
		return "", fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", goos)
	}
}

var serviceTemplates = map[string]*template.Template{
	"darwin": template.Must(template.New("launchd").Parse(launchdTemplate)),
	"linux":  template.Must(template.New("systemd").Parse(systemdTemplate)),
}

func renderService(goos string, svc service) ([]byte, error) {
	tmpl, ok := serviceTemplates[goos]
	if !ok {
		return nil, fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", goos)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, svc); err != nil {
		return nil, fmt.Errorf("render service: %w", err)
	}
	return buf.Bytes(), nil
}

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.Exec}}</string>
        <string>serve</string>
        <string>--config</string>
        <string>{{.Config}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{.Log}}</string>
    <key>StandardErrorPath</key>
    <string>{{.ErrLog}}</string>
</dict>
</plist>
`

const systemdTemplate = `[Unit]
Description=coderun code generation service
After=network-online.target

[Service]
Type=simple
EnvironmentFile=-{{.EnvFile}}
ExecStart={{.Exec}} serve --config {{.Config}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`
