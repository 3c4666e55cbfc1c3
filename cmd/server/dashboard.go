package main

import (
	"net/http"
)

func dashboardHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(dashboardHTML))
}

// Polls /stats every 5s.
const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>seigen</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; background: #f4f5f7; margin: 0; padding: 24px; color: #222; }
        h1 { margin: 0 0 4px; }
        .muted { color: #777; }
        .grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(180px, 1fr)); gap: 16px; margin: 24px 0; }
        .card { background: #fff; border-radius: 8px; padding: 18px; box-shadow: 0 1px 3px rgba(0,0,0,0.08); }
        .label { font-size: 0.85em; color: #666; text-transform: uppercase; letter-spacing: 0.04em; }
        .value { font-size: 2em; font-weight: 600; margin-top: 6px; }
        .blocked { color: #c0392b; }
        .allowed { color: #27ae60; }
        table { width: 100%; border-collapse: collapse; background: #fff; border-radius: 8px; overflow: hidden; }
        th, td { text-align: left; padding: 10px 14px; border-bottom: 1px solid #eee; }
        th { background: #fafafa; font-size: 0.85em; color: #555; }
    </style>
</head>
<body>
    <h1>seigen</h1>
    <div class="muted">up <span id="uptime">0</span>s &middot; refresh in <span id="countdown">5</span>s</div>

    <div class="grid">
        <div class="card"><div class="label">Requests</div><div class="value" id="total">0</div></div>
        <div class="card"><div class="label">Admitted</div><div class="value allowed" id="allowed">0</div></div>
        <div class="card"><div class="label">Denied</div><div class="value blocked" id="blocked">0</div></div>
        <div class="card"><div class="label">Bans</div><div class="value blocked" id="bans">0</div></div>
        <div class="card"><div class="label">Rule errors</div><div class="value" id="ruleErrors">0</div></div>
        <div class="card"><div class="label">Identities</div><div class="value" id="identities">0</div></div>
        <div class="card"><div class="label">Windows</div><div class="value" id="windows">0</div></div>
        <div class="card"><div class="label">Rules</div><div class="value" id="rules">0</div></div>
    </div>

    <table>
        <thead><tr><th>Client</th><th>Requests</th><th>Admitted</th><th>Denied</th><th>Bans</th><th>Last seen</th></tr></thead>
        <tbody id="clients"><tr><td colspan="6" class="muted">No traffic yet</td></tr></tbody>
    </table>

    <script>
        const set = (id, v) => { document.getElementById(id).textContent = (v || 0).toLocaleString(); };
        const esc = s => String(s).replace(/[&<>"']/g, c => ({'&':'&amp;','<':'&lt;','>':'&gt;','"':'&quot;',"'":'&#39;'}[c]));

        async function refresh() {
            try {
                const data = await (await fetch('/stats')).json();
                set('total', data.total_requests);
                set('allowed', data.allowed_requests);
                set('blocked', data.blocked_requests);
                set('bans', data.total_bans);
                set('ruleErrors', data.rule_errors);
                document.getElementById('uptime').textContent = data.uptime_seconds;
                if (data.engine) {
                    set('identities', data.engine.identities);
                    set('windows', data.engine.windows);
                    set('rules', data.engine.rules);
                }

                const rows = (data.top_clients || []).map(c =>
                    '<tr><td>' + esc(c.client_id) + '</td><td>' + c.total_requests + '</td><td>' + c.allowed_requests +
                    '</td><td>' + c.blocked_requests + '</td><td>' + c.bans + '</td><td>' +
                    new Date(c.last_request_at).toLocaleTimeString() + '</td></tr>');
                if (rows.length > 0) {
                    document.getElementById('clients').innerHTML = rows.join('');
                }
            } catch (err) {
                console.error('Failed to fetch stats:', err);
            }
        }

        let countdown = 5;
        setInterval(() => {
            countdown--;
            if (countdown <= 0) {
                countdown = 5;
                refresh();
            }
            document.getElementById('countdown').textContent = countdown;
        }, 1000);
        refresh();
    </script>
</body>
</html>
`
