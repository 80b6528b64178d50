package api

const statusPageHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Tab Bridge Status</title>
  <style>
    body {
      margin: 0;
      font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
      font-size: 14px;
      background: #0d1117;
      color: #c9d1d9;
    }
    nav {
      background: #161b22;
      border-bottom: 1px solid #30363d;
      padding: 0 24px;
      height: 48px;
      display: flex;
      align-items: center;
      gap: 24px;
    }
    nav .brand { font-weight: 600; font-size: 15px; color: #f0f6fc; }
    nav a { color: #58a6ff; text-decoration: none; font-size: 13px; }
    main { max-width: 720px; margin: 32px auto; padding: 0 24px; }
    .card {
      background: #161b22;
      border: 1px solid #30363d;
      border-radius: 6px;
      padding: 16px 20px;
      margin-bottom: 16px;
    }
    .dot { display: inline-block; width: 10px; height: 10px; border-radius: 50%; margin-right: 8px; background: #6e7681; }
    .dot.on { background: #4CAF50; }
    code { font-family: ui-monospace, SFMono-Regular, Menlo, monospace; color: #79c0ff; }
    button {
      background: #21262d;
      border: 1px solid #30363d;
      border-radius: 6px;
      color: #c9d1d9;
      padding: 5px 12px;
      cursor: pointer;
    }
    button:disabled { opacity: .5; cursor: default; }
    #log { font-family: ui-monospace, Menlo, monospace; font-size: 12px; color: #8b949e; white-space: pre-wrap; }
  </style>
</head>
<body>
  <nav>
    <span class="brand">Tab Bridge</span>
    <a href="/docs">API Docs</a>
  </nav>
  <main>
    <div class="card">
      <p><span id="dot" class="dot"></span><span id="state">No tab is shared.</span></p>
      <button id="disconnect" disabled>Disconnect</button>
    </div>
    <div class="card">
      <div id="log"></div>
    </div>
  </main>
  <script>
    const dot = document.getElementById("dot");
    const state = document.getElementById("state");
    const button = document.getElementById("disconnect");
    const log = document.getElementById("log");

    function render(tabId) {
      dot.classList.toggle("on", !!tabId);
      state.innerHTML = tabId ? "Shared tab: <code></code>" : "No tab is shared.";
      if (tabId) state.querySelector("code").textContent = tabId;
      button.disabled = !tabId;
    }

    function note(line) {
      log.textContent = new Date().toLocaleTimeString() + "  " + line + "\n" + log.textContent;
    }

    fetch("/api/v1/status").then(r => r.json()).then(s => render(s.connected_tab_id));

    const source = new EventSource("/api/v1/events?feeds=status,badge");
    source.addEventListener("status", e => render(JSON.parse(e.data).connected_tab_id));
    source.addEventListener("badge", e => {
      const b = JSON.parse(e.data);
      note(b.text ? "badge set on " + b.tab_id : "badge cleared on " + b.tab_id);
    });

    button.addEventListener("click", () => {
      fetch("/api/v1/relay/disconnect", { method: "POST" })
        .then(r => r.json())
        .then(res => note(res.success ? "disconnected" : "disconnect failed: " + res.error));
    });
  </script>
</body>
</html>`
