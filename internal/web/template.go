package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/hall-sensor/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"stateOrUnknown": func(s string) string {
		if s == "" {
			return "UNKNOWN"
		}
		return s
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Hall Sensor</title>
<style>
body { font-family: monospace; max-width: 760px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
.down { color: green; font-weight: bold; }
.up { color: #888; }
.rapid { color: purple; }
.connected { color: green; }
.disconnected { color: red; }
.live-dot { display: inline-block; width: 8px; height: 8px; border-radius: 50%; margin-left: 6px; vertical-align: middle; }
.live-dot.ok { background: green; }
.live-dot.err { background: red; }
.live-dot.pending { background: orange; }
</style>
</head>
<body>
<h1>Hall Sensor<span id="live-dot" class="live-dot pending" title="connecting"></span></h1>

<h2>Keys</h2>
<table>
<tr><th>ID</th><th>Name</th><th>Ch</th><th>Key</th><th>Actuator</th><th>mV</th><th>Baseline</th><th>Press / Release</th><th>Rapid</th></tr>
{{range .Sensors}}<tr>
<td>{{.ID}}</td><td>{{.Name}}</td><td>{{.Channel}}</td>
<td id="key-{{.ID}}" class="{{if .Position}}down{{else}}up{{end}}">{{if .Position}}DOWN{{else}}UP{{end}}</td>
<td>{{stateOrUnknown (printf "%s" .State)}}</td>
<td>{{.LastMV}}</td>
<td>{{if .Calibration.Calibrated}}{{.Calibration.BaselineMV}}{{else}}uncalibrated{{end}}</td>
<td>{{.Calibration.ThresholdMV}} / {{.Calibration.ReleaseMV}}</td>
<td class="rapid">{{if .Rapid}}active{{end}}</td>
</tr>{{end}}
</table>
<p>Ready: {{if .Ready}}yes{{else}}no{{end}} &middot; SOCD: {{.Config.Policy}}</p>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{if .Config.Broker}}{{.Config.Broker}}{{else}}disabled{{end}}</td></tr>
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>Event Counts</h2>
<table>
<tr><th>Presses</th><td>{{.Counts.Presses}}</td></tr>
<tr><th>Releases</th><td>{{.Counts.Releases}}</td></tr>
<tr><th>Rapid pulses</th><td>{{.Counts.Pulses}}</td></tr>
<tr><th>Acquisition errors</th><td>{{.Counts.AcquisitionErrors}}</td></tr>
<tr><th>Calibration failures</th><td>{{.Counts.CalibrationErrors}}</td></tr>
<tr><th>Dropped</th><td>{{.Counts.Dropped}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>ADC</th><td>{{.Config.ADCDriver}}</td></tr>
<tr><th>Sampling</th><td>{{.Config.Samples}} x {{.Config.SampleIntervalMs}}ms every {{.Config.PeriodMs}}ms</td></tr>
<tr><th>Rapid trigger</th><td>{{if .Config.RapidEnabled}}window {{.Config.RapidWindowMs}}ms, pulse {{.Config.PulseMs}}ms{{else}}disabled{{end}}</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a></p>
<script>
(function() {
  var dot = document.getElementById("live-dot");
  function setDot(cls, title) {
    dot.className = "live-dot " + cls;
    dot.title = title;
  }
  function connect() {
    var proto = location.protocol === "https:" ? "wss://" : "ws://";
    var ws = new WebSocket(proto + location.host + "/ws");
    ws.onopen = function() { setDot("ok", "live"); };
    ws.onclose = function() {
      setDot("err", "offline");
      setTimeout(connect, 5000);
    };
    ws.onmessage = function(ev) {
      try {
        var msg = JSON.parse(ev.data);
        if (msg.type !== "key") { return; }
        var el = document.getElementById("key-" + msg.data.sensor);
        if (!el) { return; }
        var down = msg.data.state === "PRESSED";
        el.textContent = down ? "DOWN" : "UP";
        el.className = down ? "down" : "up";
      } catch (e) {}
    };
  }
  connect();
})();
</script>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) error {
	return indexTmpl.Execute(w, snap)
}
