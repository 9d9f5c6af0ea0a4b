package orchestrator

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/meridianfield/sentinel/internal/model"
	"github.com/meridianfield/sentinel/internal/store"
)

func logScanError(err error) {
	log.Printf("[orchestrator] triggered scan failed: %v", err)
}

// newHTTPServer builds the appliance's HTTP boundary: scan control, device
// inventory read/write, and the agent check-in inbox. Handlers call
// straight into the Store and Discovery Fabric and pick status codes
// inline: 400 for a malformed body, 404 for a device that does not exist,
// 503 when no check-in registry is configured, and 500 carrying the error
// text when a store call fails.
func (o *Orchestrator) newHTTPServer() *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Get("/api/health", o.handleHealth)
	r.Post("/api/scans/trigger", o.handleTriggerScan)
	r.Get("/api/scans/status", o.handleScanStatus)
	r.Get("/api/devices", o.handleListDevices)
	r.Get("/api/devices/{id}", o.handleGetDevice)
	r.Put("/api/devices/{id}/policy", o.handleUpdatePolicy)
	r.Post("/agent/checkin", o.handleAgentCheckin)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", o.cfg.API.Host, o.cfg.API.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	if o.cfg.API.MTLSEnabled && o.endpointCA != nil {
		if tlsCfg, err := o.buildTLSConfig(); err != nil {
			log.Printf("[orchestrator] mTLS disabled: %v", err)
		} else {
			srv.TLSConfig = tlsCfg
		}
	}

	return srv
}

// buildTLSConfig generates (or reuses) the check-in listener's server
// certificate and requires enrolled endpoints to present a client
// certificate signed by the same CA, per HIPAA 164.312(e)(1).
func (o *Orchestrator) buildTLSConfig() (*tls.Config, error) {
	certPEM, keyPEM, err := o.endpointCA.GenerateServerCert(o.cfg.API.Host)
	if err != nil {
		return nil, fmt.Errorf("generate server cert: %w", err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("load server keypair: %w", err)
	}
	pool, err := o.endpointCA.CACertPool()
	if err != nil {
		return nil, fmt.Errorf("build client CA pool: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (o *Orchestrator) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "site_id": o.cfg.SiteID})
}

func (o *Orchestrator) handleTriggerScan(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type    string `json:"type"`
		Trigger string `json:"trigger"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	scanType := model.ScanFull
	if body.Type != "" {
		scanType = model.ScanType(body.Type)
	}
	trigger := body.Trigger
	if trigger == "" {
		trigger = "manual"
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
		defer cancel()
		if _, err := o.RunScan(ctx, scanType, trigger); err != nil {
			logScanError(err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scan triggered"})
}

func (o *Orchestrator) handleScanStatus(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	scanning := o.scanning
	last := o.lastScan
	o.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"scanning":  scanning,
		"last_scan": last,
	})
}

func (o *Orchestrator) handleListDevices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ListDevicesFilter{
		DeviceType: model.DeviceType(q.Get("device_type")),
		Status:     model.DeviceStatus(q.Get("status")),
		Limit:      50,
	}
	devices, total, err := o.store.ListDevices(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"devices": devices, "total": total})
}

func (o *Orchestrator) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, err := o.store.GetDeviceByID(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if d == nil {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (o *Orchestrator) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Policy          string `json:"policy"`
		ManuallyOptedIn *bool  `json:"manually_opted_in"`
		PHIAccessFlag   *bool  `json:"phi_access_flag"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Policy == "" {
		writeError(w, http.StatusBadRequest, "policy is required")
		return
	}
	if err := o.store.UpdatePolicy(id, model.ScanPolicy(body.Policy), body.ManuallyOptedIn, body.PHIAccessFlag); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (o *Orchestrator) handleAgentCheckin(w http.ResponseWriter, r *http.Request) {
	if o.checkins == nil {
		writeError(w, http.StatusServiceUnavailable, "checkin registry not configured")
		return
	}
	var device model.DiscoveredDevice
	if err := json.NewDecoder(r.Body).Decode(&device); err != nil {
		writeError(w, http.StatusBadRequest, "invalid checkin payload")
		return
	}
	o.checkins.Register(device)
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}
