package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>relaypush agent</title>
  <style>
    :root {
      --ink: #1d2230;
      --paper: #f6f4fb;
      --card: #ffffff;
      --line: #d9d3ea;
      --accent: #6c4fd1;
      --muted: #6b7185;
      --danger: #c2483f;
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      padding: 20px;
      font-family: "Inter", "Segoe UI", sans-serif;
      color: var(--ink);
      background: var(--paper);
    }

    .shell { max-width: 980px; margin: 0 auto; display: grid; gap: 14px; }
    .card { background: var(--card); border: 1px solid var(--line); border-radius: 14px; padding: 14px; }
    h1 { margin: 0; font-size: 1.4rem; }
    h2 { margin: 0 0 8px; font-size: 1rem; color: var(--muted); }
    input { width: 100%; padding: 8px; border: 1px solid var(--line); border-radius: 8px; font: inherit; }
    button { padding: 8px 14px; border: 0; border-radius: 8px; background: var(--accent); color: #fff; font: inherit; cursor: pointer; }
    table { width: 100%; border-collapse: collapse; font-size: 0.9rem; }
    td, th { text-align: left; padding: 6px 4px; border-bottom: 1px solid var(--line); }
    .row { display: flex; gap: 8px; align-items: center; }
    .error { color: var(--danger); }
    pre { margin: 0; white-space: pre-wrap; word-break: break-all; font-size: 0.8rem; }
  </style>
</head>
<body>
  <div class="shell">
    <div class="card">
      <h1>relaypush agent</h1>
      <div class="row" style="margin-top: 10px">
        <input id="token" placeholder="bearer token with status scope" />
        <button id="refresh">Refresh</button>
        <button id="skip">Skip waiting</button>
      </div>
      <div id="error" class="error"></div>
    </div>
    <div class="card">
      <h2>Generations</h2>
      <table id="generations"></table>
    </div>
    <div class="card">
      <h2>Outbox</h2>
      <table id="outbox"></table>
    </div>
    <div class="card">
      <h2>Notifications</h2>
      <table id="notifications"></table>
    </div>
  </div>
  <script>
    const tokenInput = document.getElementById("token");
    tokenInput.value = window.localStorage.getItem("relaypush_dashboard_token") || "";

    function headers() {
      return { "Authorization": "Bearer " + tokenInput.value.trim(), "Content-Type": "application/json" };
    }

    function cell(text) {
      const td = document.createElement("td");
      td.textContent = text;
      return td;
    }

    function fill(table, head, rows) {
      table.replaceChildren();
      const tr = document.createElement("tr");
      head.forEach((h) => { const th = document.createElement("th"); th.textContent = h; tr.appendChild(th); });
      table.appendChild(tr);
      rows.forEach((row) => {
        const line = document.createElement("tr");
        row.forEach((value) => line.appendChild(cell(value)));
        table.appendChild(line);
      });
    }

    async function getJSON(path) {
      const resp = await fetch(path, { headers: headers() });
      const body = await resp.json();
      if (!resp.ok) { throw new Error(body.message || resp.statusText); }
      return body;
    }

    async function refresh() {
      window.localStorage.setItem("relaypush_dashboard_token", tokenInput.value.trim());
      document.getElementById("error").textContent = "";
      try {
        const status = await getJSON("/v1/status");
        const gens = [];
        [["active", status.active], ["installing", status.installing], ["next", status.next]].forEach(([slot, gen]) => {
          if (gen) { gens.push([slot, gen.version, gen.state]); }
        });
        gens.push(["clients", String(status.clients), ""]);
        gens.push(["pending", (status.pending || []).join(", "), ""]);
        fill(document.getElementById("generations"), ["slot", "version", "state"], gens);

        const outbox = await getJSON("/v1/outbox");
        fill(document.getElementById("outbox"), ["id", "created", "payload"],
          (outbox.items || []).map((item) => [item.id, item.createdAt, JSON.stringify(item.payload)]));

        fill(document.getElementById("notifications"), ["id", "title", "tag", "state"],
          (status.notifications || []).map((n) => [n.notification.id, n.notification.title, n.notification.tag || "", n.state]));
      } catch (err) {
        document.getElementById("error").textContent = err.message;
      }
    }

    document.getElementById("refresh").addEventListener("click", refresh);
    document.getElementById("skip").addEventListener("click", async () => {
      await fetch("/v1/messages", { method: "POST", headers: headers(), body: JSON.stringify({ type: "SKIP_WAITING" }) });
      refresh();
    });
    if (tokenInput.value) { refresh(); }
  </script>
</body>
</html>
`

func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, dashboardHTML)
}
