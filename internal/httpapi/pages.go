package httpapi

const homePageHTML = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>CrossPoint Reader</title>
<style>
body{font-family:system-ui,sans-serif;max-width:640px;margin:2em auto;padding:0 1em;color:#222}
dt{font-weight:600}dd{margin:0 0 .6em 0}
a.button{display:inline-block;padding:.5em 1em;border:1px solid #333;border-radius:4px;text-decoration:none;color:#222}
</style>
</head>
<body>
<h1>CrossPoint Reader</h1>
<dl id="status"><dd>Loading&hellip;</dd></dl>
<p><a class="button" href="/files">Manage files</a></p>
<h2>Recent books</h2>
<ul id="recent"></ul>
<script>
function fmtBytes(n){
  if(n < 1024) return n + ' B';
  var u = ['KB','MB','GB']; var i = -1;
  do { n /= 1024; i++; } while(n >= 1024 && i < u.length-1);
  return n.toFixed(1) + ' ' + u[i];
}
fetch('/api/status').then(r => r.json()).then(st => {
  var dl = document.getElementById('status'); dl.innerHTML = '';
  [['Version', st.version], ['Uptime', st.uptime + ' s'], ['Free', fmtBytes(st.freeBytes || 0)]].forEach(p => {
    var dt = document.createElement('dt'); dt.textContent = p[0];
    var dd = document.createElement('dd'); dd.textContent = p[1];
    dl.appendChild(dt); dl.appendChild(dd);
  });
});
fetch('/api/recent').then(r => r.json()).then(books => {
  var ul = document.getElementById('recent');
  books.forEach(b => {
    var li = document.createElement('li');
    li.textContent = (b.title || b.path) + (b.author ? ' - ' + b.author : '');
    ul.appendChild(li);
  });
});
</script>
</body>
</html>
`

const filesPageHTML = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Files - CrossPoint Reader</title>
<style>
body{font-family:system-ui,sans-serif;max-width:800px;margin:2em auto;padding:0 1em;color:#222}
table{width:100%;border-collapse:collapse}td{padding:.3em;border-bottom:1px solid #ddd}
td.size{text-align:right;white-space:nowrap}
#msg{min-height:1.4em;color:#a00}
</style>
</head>
<body>
<h1>Files</h1>
<p id="where"></p>
<form id="up"><input type="file" id="file" required> <button>Upload</button></form>
<form id="mk"><input id="folder" placeholder="New folder" required> <button>Create</button></form>
<p id="msg"></p>
<table><tbody id="list"></tbody></table>
<script>
var cwd = new URLSearchParams(location.search).get('path') || '/';
function join(d, n){ return (d === '/' ? '' : d) + '/' + n; }
function say(t){ document.getElementById('msg').textContent = t; }
function post(url, body){
  return fetch(url, {method:'POST', headers:{'Content-Type':'application/json'}, body:JSON.stringify(body)})
    .then(r => r.text().then(t => { say(t); if(r.ok) load(); }));
}
function load(){
  document.getElementById('where').textContent = cwd;
  fetch('/api/files?path=' + encodeURIComponent(cwd)).then(r => {
    if(!r.ok) return r.text().then(say);
    return r.json().then(items => {
      var tb = document.getElementById('list'); tb.innerHTML = '';
      if(cwd !== '/'){
        var up = cwd.substring(0, cwd.lastIndexOf('/')) || '/';
        tb.insertAdjacentHTML('beforeend', '<tr><td><a href="/files?path=' + encodeURIComponent(up) + '">..</a></td><td></td><td></td></tr>');
      }
      items.sort((a, b) => (b.isDirectory - a.isDirectory) || a.name.localeCompare(b.name)).forEach(it => {
        var p = join(cwd, it.name);
        var tr = document.createElement('tr');
        var a = document.createElement('a');
        a.textContent = it.name + (it.isDirectory ? '/' : '');
        a.href = it.isDirectory ? '/files?path=' + encodeURIComponent(p) : '/download?path=' + encodeURIComponent(p);
        var td = document.createElement('td'); td.appendChild(a); tr.appendChild(td);
        var sz = document.createElement('td'); sz.className = 'size'; sz.textContent = it.isDirectory ? '' : it.size; tr.appendChild(sz);
        var act = document.createElement('td');
        var del = document.createElement('button'); del.textContent = 'Delete';
        del.onclick = () => { if(confirm('Delete ' + p + '?')) post('/delete', {path:p}); };
        act.appendChild(del);
        if(!it.isDirectory){
          var ren = document.createElement('button'); ren.textContent = 'Rename';
          ren.onclick = () => { var n = prompt('New name', it.name); if(n) post('/rename', {path:p, name:n}); };
          act.appendChild(ren);
        }
        tr.appendChild(act);
        tb.appendChild(tr);
      });
    });
  });
}
document.getElementById('up').onsubmit = e => {
  e.preventDefault();
  var fd = new FormData(); fd.append('file', document.getElementById('file').files[0]);
  say('Uploading...');
  fetch('/upload?path=' + encodeURIComponent(cwd), {method:'POST', body:fd})
    .then(r => r.text().then(t => { say(t); if(r.ok) load(); }));
};
document.getElementById('mk').onsubmit = e => {
  e.preventDefault();
  post('/mkdir', {path:cwd, name:document.getElementById('folder').value});
};
load();
</script>
</body>
</html>
`
