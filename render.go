package blackhole

import (
	"html/template"
	"io"

	"github.com/dustin/go-humanize"
)

var uiTemplate = template.Must(template.New("ui").Parse(`<!DOCTYPE html>
<html>
<head>
	<meta charset="utf-8">
	<title>Mock Service Request Log</title>
	<style>
		body { font-family: Arial, sans-serif; margin: 20px; }
		h1 { color: #333; }
		.button {
			display: inline-block;
			padding: 10px 15px;
			background-color: #4CAF50;
			color: white;
			text-decoration: none;
			border-radius: 4px;
			margin-right: 10px;
			margin-bottom: 20px;
		}
		.refresh-button { background-color: #2196F3; }
		pre {
			background-color: #f5f5f5;
			padding: 15px;
			border: 1px solid #ddd;
			border-radius: 4px;
			overflow-x: auto;
			white-space: pre-wrap;
			word-wrap: break-word;
		}
		.log-title { margin-top: 30px; }
		.button-container { margin-bottom: 20px; }
	</style>
</head>
<body>
	<h1>Mock Service Request Log</h1>
	<p>This page displays all requests received by the mock service.</p>
	<p class="summary">{{.Count}} requests captured, {{.Size}} logged.</p>

	<div class="button-container">
		<a href="/download" class="button">Download Request Log</a>
		<a href="/ui" class="button refresh-button">Refresh</a>
	</div>

	<h2 class="log-title">Current Request Log:</h2>
	<pre id="log">{{.Log}}</pre>
	<script>
		(function () {
			var scheme = location.protocol === "https:" ? "wss://" : "ws://";
			var ws = new WebSocket(scheme + location.host + "/ws?since={{.Count}}");
			var log = document.getElementById("log");
			ws.onmessage = function (e) { log.appendChild(document.createTextNode(e.data)); };
		})();
	</script>
</body>
</html>
`))

type uiPage struct {
	Count int
	Size  string
	Log   string
}

// renderUI writes the HTML view of the given records. log must be the
// concatenation of the records' lines.
func renderUI(w io.Writer, count int, size int64, log string) error {
	return uiTemplate.Execute(w, uiPage{
		Count: count,
		Size:  humanize.Bytes(uint64(size)),
		Log:   log,
	})
}
