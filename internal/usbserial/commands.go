package usbserial

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"crosspoint-transfer/internal/files"
	"crosspoint-transfer/internal/transfer"
	"crosspoint-transfer/internal/version"
)

func (p *Protocol) cmdStatus() {
	resp := map[string]any{}
	if p.opts.Status != nil {
		for k, v := range p.opts.Status() {
			resp[k] = v
		}
	}
	if _, ok := resp["version"]; !ok {
		resp["version"] = version.Get().Version
	}
	if _, ok := resp["uptime"]; !ok {
		resp["uptime"] = int64(time.Since(p.started) / time.Second)
	}
	if pr := p.opts.Session.Progress(); pr.Status == transfer.Active.String() {
		resp["upload"] = pr
	}
	resp["ok"] = true
	p.send(resp)
}

func (p *Protocol) cmdList(cmd *command) {
	dir := cmd.Path
	if dir == "" {
		dir = "/"
	}
	started := false
	err := p.opts.Files.List(dir, func(e files.Entry) error {
		b, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if !started {
			started = true
			p.writeLine([]byte(`{"ok":true,"files":[`))
		} else {
			p.writeLine([]byte{','})
		}
		p.writeLine(b)
		return nil
	})
	if !started {
		if err != nil {
			p.sendFileError(err)
			return
		}
		p.writeLine([]byte(`{"ok":true,"files":[`))
	} else if err != nil {
		p.log.Warn("listing interrupted", zap.String("path", dir), zap.Error(err))
	}
	p.writeLine([]byte("]}\n"))
}

func (p *Protocol) cmdDelete(cmd *command) {
	if cmd.Path == "" {
		p.sendError("missing path")
		return
	}
	if _, err := p.opts.Files.Delete(cmd.Path); err != nil {
		p.sendFileError(err)
		return
	}
	p.sendOK()
}

func (p *Protocol) cmdMkdir(cmd *command) {
	if cmd.Path == "" {
		p.sendError("missing path")
		return
	}
	if _, err := p.opts.Files.MkdirPath(cmd.Path); err != nil {
		p.sendFileError(err)
		return
	}
	p.sendOK()
}

func (p *Protocol) cmdRename(cmd *command) {
	if cmd.Path == "" || cmd.Name == "" {
		p.sendError("missing path or new name")
		return
	}
	dst, changed, err := p.opts.Files.Rename(cmd.Path, cmd.Name)
	if err != nil {
		p.sendFileError(err)
		return
	}
	p.send(map[string]any{"ok": true, "path": dst, "changed": changed})
}

func (p *Protocol) cmdMove(cmd *command) {
	if cmd.Path == "" || cmd.Dest == "" {
		p.sendError("missing path or destination")
		return
	}
	dst, changed, err := p.opts.Files.Move(cmd.Path, cmd.Dest)
	if err != nil {
		p.sendFileError(err)
		return
	}
	p.send(map[string]any{"ok": true, "path": dst, "changed": changed})
}

func (p *Protocol) cmdSettingsGet() {
	settings := map[string]any{}
	if p.opts.Settings != nil {
		settings = p.opts.Settings.All()
	}
	p.send(map[string]any{"ok": true, "settings": settings})
}

func (p *Protocol) cmdSettingsSet(cmd *command) {
	if p.opts.Settings == nil {
		p.sendError("settings unavailable")
		return
	}
	var upd map[string]any
	if len(cmd.Settings) == 0 || json.Unmarshal(cmd.Settings, &upd) != nil || upd == nil {
		p.sendError("missing settings")
		return
	}
	if _, err := p.opts.Settings.Merge(upd); err != nil {
		p.log.Error("settings save failed", zap.Error(err))
		p.sendError("settings save failed")
		return
	}
	p.sendOK()
}

type recentEntry struct {
	Path   string `json:"path"`
	Title  string `json:"title"`
	Author string `json:"author"`
}

func (p *Protocol) cmdRecent() {
	out := []recentEntry{}
	if p.opts.Recent != nil {
		for _, b := range p.opts.Recent.Books() {
			out = append(out, recentEntry{Path: b.Path, Title: b.Title, Author: b.Author})
		}
	}
	p.send(map[string]any{"ok": true, "recent": out})
}

func (p *Protocol) cmdWifiConnect(cmd *command) {
	if p.opts.Wifi == nil {
		p.sendError("wifi unavailable")
		return
	}
	if cmd.SSID == "" {
		p.sendError("ssid required")
		return
	}
	if err := p.opts.Wifi.Save(cmd.SSID, cmd.Password); err != nil {
		p.log.Warn("wifi credentials not saved", zap.String("ssid", cmd.SSID), zap.Error(err))
		p.sendError(err.Error())
		return
	}
	p.log.Info("wifi credentials saved", zap.String("ssid", cmd.SSID))
	p.sendOK()
}
