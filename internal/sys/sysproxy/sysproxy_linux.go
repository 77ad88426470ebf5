//go:build linux

package sysproxy

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

const gnomeProxySchema = "org.gnome.system.proxy"

func newPlatformBackend() backend {
	path, err := exec.LookPath("gsettings")
	if err != nil {
		return &noopBackend{}
	}
	return &gsettingsBackend{bin: path}
}

// gsettingsBackend 通过 GNOME gsettings 修改系统代理
type gsettingsBackend struct {
	bin string
}

func (g *gsettingsBackend) Name() string { return "gsettings" }

func (g *gsettingsBackend) run(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, g.bin, args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("gsettings %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

func (g *gsettingsBackend) Enabled(ctx context.Context) (bool, error) {
	mode, err := g.run(ctx, "get", gnomeProxySchema, "mode")
	if err != nil {
		return false, err
	}
	return strings.Trim(mode, "'") == "manual", nil
}

func (g *gsettingsBackend) Enable(ctx context.Context, host string, port int, bypass []string) error {
	p := strconv.Itoa(port)
	for _, scheme := range []string{"http", "https", "socks"} {
		if _, err := g.run(ctx, "set", gnomeProxySchema+"."+scheme, "host", host); err != nil {
			return err
		}
		if _, err := g.run(ctx, "set", gnomeProxySchema+"."+scheme, "port", p); err != nil {
			return err
		}
	}
	quoted := make([]string, len(bypass))
	for i, b := range bypass {
		quoted[i] = "'" + b + "'"
	}
	if _, err := g.run(ctx, "set", gnomeProxySchema, "ignore-hosts", "["+strings.Join(quoted, ", ")+"]"); err != nil {
		return err
	}
	_, err := g.run(ctx, "set", gnomeProxySchema, "mode", "manual")
	return err
}

func (g *gsettingsBackend) Disable(ctx context.Context) error {
	_, err := g.run(ctx, "set", gnomeProxySchema, "mode", "none")
	return err
}
