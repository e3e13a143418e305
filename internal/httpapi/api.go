package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"crosspoint-transfer/internal/version"
)

func (c *Channel) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, homePageHTML)
}

func (c *Channel) handleFilesPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, filesPageHTML)
}

func (c *Channel) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusNotFound, "404 Not Found\n\nURI: "+r.URL.Path+"\n")
}

func (c *Channel) handleStatus(w http.ResponseWriter, r *http.Request) {
	if c.opts.Status != nil {
		writeJSON(w, http.StatusOK, c.opts.Status())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": version.Get().Version,
		"uptime":  int64(time.Since(c.started) / time.Second),
	})
}

type recentBook struct {
	Path     string `json:"path"`
	Title    string `json:"title"`
	Author   string `json:"author"`
	HasCover bool   `json:"hasCover"`
}

func (c *Channel) handleRecent(w http.ResponseWriter, r *http.Request) {
	out := []recentBook{}
	if c.opts.Recent != nil {
		for _, b := range c.opts.Recent.Books() {
			out = append(out, recentBook{Path: b.Path, Title: b.Title, Author: b.Author, HasCover: b.CoverPath != ""})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (c *Channel) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	if c.opts.Settings == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, c.opts.Settings.All())
}

func (c *Channel) handlePostSettings(w http.ResponseWriter, r *http.Request) {
	if c.opts.Settings == nil {
		writeText(w, http.StatusServiceUnavailable, "Settings unavailable")
		return
	}
	upd, err := readJSONObject(r)
	if errors.Is(err, errNoBody) {
		writeText(w, http.StatusBadRequest, "Missing JSON body")
		return
	}
	if err != nil {
		writeText(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	n, err := c.opts.Settings.Merge(upd)
	if err != nil {
		c.log.Warn("settings rejected", zap.Error(err))
		writeText(w, http.StatusBadRequest, err.Error())
		return
	}
	c.log.Info("settings applied", zap.Int("count", n))
	writeText(w, http.StatusOK, fmt.Sprintf("Applied %d setting(s)", n))
}

type wifiRequest struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

func readWifiRequest(r *http.Request) (wifiRequest, bool) {
	var req wifiRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxArgsBody))
	if err != nil || len(strings.TrimSpace(string(body))) == 0 {
		return req, false
	}
	_ = json.Unmarshal(body, &req)
	return req, true
}

func (c *Channel) handleWifiConnect(w http.ResponseWriter, r *http.Request) {
	if c.opts.Wifi == nil {
		writeText(w, http.StatusServiceUnavailable, "WiFi setup unavailable")
		return
	}
	req, ok := readWifiRequest(r)
	if !ok {
		writeText(w, http.StatusBadRequest, "Missing body")
		return
	}
	if strings.TrimSpace(req.SSID) == "" {
		writeText(w, http.StatusBadRequest, "SSID required")
		return
	}
	if err := c.opts.Wifi.Save(req.SSID, req.Password); err != nil {
		c.log.Warn("wifi credentials not saved", zap.String("ssid", req.SSID), zap.Error(err))
		writeText(w, http.StatusBadRequest, err.Error())
		return
	}
	writeText(w, http.StatusOK, "WiFi credentials saved")
}

func (c *Channel) handleWifiForget(w http.ResponseWriter, r *http.Request) {
	if c.opts.Wifi == nil {
		writeText(w, http.StatusServiceUnavailable, "WiFi setup unavailable")
		return
	}
	req, ok := readWifiRequest(r)
	if !ok {
		writeText(w, http.StatusBadRequest, "Missing body")
		return
	}
	if strings.TrimSpace(req.SSID) == "" {
		writeText(w, http.StatusBadRequest, "SSID required")
		return
	}
	if _, err := c.opts.Wifi.Forget(req.SSID); err != nil {
		c.log.Error("wifi store update failed", zap.Error(err))
		writeText(w, http.StatusInternalServerError, "Failed to save WiFi credentials")
		return
	}
	writeText(w, http.StatusOK, "WiFi credentials removed")
}
