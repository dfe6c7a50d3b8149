package openport

import (
	"fmt"
	"github.com/jedib0t/go-pretty/table"
	"github.com/jedib0t/go-pretty/text"
	"github.com/openportio/openport-tunnels/database"
	"github.com/openportio/openport-tunnels/utils"
	"io"
	"time"
)

func newTable(w io.Writer, title string) table.Writer {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.Style().Format.Header = text.FormatTitle
	tw.SetOutputMirror(w)
	tw.SetTitle(title)
	return tw
}

func forwardDescription(tunnel database.Tunnel) string {
	switch tunnel.Type {
	case database.TunnelDynamic:
		return fmt.Sprintf("socks :%d", tunnel.ListenPort)
	case database.TunnelRemote:
		return fmt.Sprintf("server :%d -> %s:%d", tunnel.ListenPort, tunnel.RemoteHost, tunnel.RemotePort)
	default:
		return fmt.Sprintf(":%d -> %s:%d", tunnel.ListenPort, tunnel.RemoteHost, tunnel.RemotePort)
	}
}

func since(t *time.Time) string {
	if t == nil {
		return ""
	}
	return time.Since(*t).Truncate(time.Second).String()
}

func shorten(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func RenderTunnels(w io.Writer, tunnels []database.Tunnel) {
	tw := newTable(w, "Tunnels")
	tw.AppendHeader(table.Row{"Id", "Connection", "Type", "Forward", "Status", "Pid", "Restarts", "Up", "Health"})
	for _, tunnel := range tunnels {
		pid := ""
		if tunnel.Pid > 0 {
			pid = fmt.Sprint(tunnel.Pid)
		}
		up := ""
		if tunnel.Status == database.StatusRunning {
			up = since(tunnel.StartedAt)
		}
		restarts := fmt.Sprint(tunnel.RestartCount)
		if tunnel.AutoRestart {
			restarts = fmt.Sprintf("%d/%d", tunnel.RestartCount, tunnel.MaxRestarts)
		}
		tw.AppendRow(table.Row{
			tunnel.ID,
			tunnel.ConnectionName,
			tunnel.Type,
			forwardDescription(tunnel),
			tunnel.Status,
			pid,
			restarts,
			up,
			shorten(tunnel.HealthDetail, 60),
		})
	}
	tw.Render()
}

func RenderConnections(w io.Writer, connections []database.Connection, defaultKey string) {
	tw := newTable(w, "Connections")
	tw.AppendHeader(table.Row{"Name", "Host", "Port", "Username", "Credential", "Modified"})
	for _, connection := range connections {
		credential := "key " + connection.KeyName
		if connection.KeyName == "" {
			credential = "key " + defaultKey + " (default)"
			if connection.HasPassword() {
				credential += ", password on file"
			}
		}
		tw.AppendRow(table.Row{
			connection.Name,
			connection.Host,
			connection.Port,
			connection.Username,
			credential,
			connection.UpdatedAt.Local().Format(time.DateTime),
		})
	}
	tw.Render()
}

func RenderKeys(w io.Writer, keys []utils.KeyInfo) {
	tw := newTable(w, "Keys")
	tw.AppendHeader(table.Row{"Name", "Type", "Fingerprint", "Comment"})
	for _, key := range keys {
		tw.AppendRow(table.Row{key.Name, key.Type, key.Fingerprint, key.Comment})
	}
	tw.Render()
}
