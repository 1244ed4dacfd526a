package middleware

const traceHTMLTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Trace Session: {{.SessionID}}</title>
<style>
body { font-family: -apple-system, "Segoe UI", sans-serif; margin: 24px; color: #1f2328; }
h1 { font-size: 20px; margin-bottom: 4px; }
.meta { color: #59636e; font-size: 13px; margin-bottom: 16px; }
.meta span { margin-right: 16px; }
table { border-collapse: collapse; width: 100%; font-size: 13px; }
th, td { border-bottom: 1px solid #d1d9e0; padding: 6px 8px; text-align: left; vertical-align: top; }
th { background: #f6f8fa; }
td.stage { font-weight: 600; white-space: nowrap; }
tr.invoke_error td.stage { color: #d1242f; }
tr.agent_trace td.stage { color: #8250df; }
details pre { white-space: pre-wrap; word-break: break-word; margin: 4px 0 0; background: #f6f8fa; padding: 8px; }
</style>
</head>
<body>
<h1>Trace Session: {{.SessionID}}</h1>
<div class="meta">
<span>created {{.CreatedAt}}</span>
<span>updated {{.UpdatedAt}}</span>
<span>{{.EventCount}} events</span>
<span>{{.InvokeCount}} invocations</span>
<span>{{.TraceCount}} agent traces</span>
<span>{{.TotalDuration}} ms total</span>
<span>log: {{.JSONLog}}</span>
</div>
<table>
<thead><tr><th>time</th><th>stage</th><th>summary</th><th>detail</th></tr></thead>
<tbody id="events"></tbody>
</table>
<script>
const events = {{.EventsJSON}};
const body = document.getElementById("events");
for (const evt of events) {
  const row = document.createElement("tr");
  row.className = evt.stage;
  const cells = [evt.timestamp, evt.stage, summarize(evt)];
  for (const text of cells) {
    const td = document.createElement("td");
    td.textContent = text || "";
    if (text === evt.stage) td.className = "stage";
    row.appendChild(td);
  }
  const detail = document.createElement("td");
  const box = document.createElement("details");
  const label = document.createElement("summary");
  label.textContent = "json";
  const pre = document.createElement("pre");
  pre.textContent = JSON.stringify(evt, null, 2);
  box.appendChild(label);
  box.appendChild(pre);
  detail.appendChild(box);
  row.appendChild(detail);
  body.appendChild(row);
}
function summarize(evt) {
  switch (evt.stage) {
  case "before_invoke": return (evt.prompt || "") + " (" + (evt.history_turns || 0) + " history turns)";
  case "first_chunk": return "first chunk after " + (evt.first_chunk_ms || 0) + " ms";
  case "after_invoke": return (evt.chunks || 0) + " chunks in " + (evt.duration_ms || 0) + " ms";
  case "invoke_error": return evt.error;
  default: return "";
  }
}
</script>
</body>
</html>
`
