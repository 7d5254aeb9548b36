package bus

import (
	"bytes"
	"embed"
	"html/template"
	"io"
	"net/http"

	"go.uber.org/zap"
	"tailscale.com/tsweb"

	"github.com/banshee-data/lux/internal/httputil"
)

//go:embed templates/*
var adminTemplateFS embed.FS

var statusTemplate = template.Must(template.ParseFS(adminTemplateFS, "templates/status.html.tmpl"))

type busStatus struct {
	Channels []ChannelStatus `json:"channels"`
	Devices  []DeviceStatus  `json:"devices"`
}

func (b *Bus) status() busStatus {
	return busStatus{Channels: b.Channels(), Devices: b.Devices()}
}

// AttachAdminRoutes registers the bus debug pages on mux under /debug/.
func (b *Bus) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("lux", "lux channels and devices", func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		if err := statusTemplate.Execute(buf, b.status()); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		io.Copy(w, buf)
	})

	debug.HandleSilentFunc("lux.json", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		if err := httputil.WriteJSON(w, http.StatusOK, b.status()); err != nil {
			b.log.Warn("write status", zap.Error(err))
		}
	})

	// Refresh is asynchronous; the Run loop picks it up.
	debug.HandleSilentFunc("lux-refresh", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		b.RequestRefresh()
		w.WriteHeader(http.StatusAccepted)
		io.WriteString(w, "refresh requested\n")
	})
}
