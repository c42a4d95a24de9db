package status

import (
	"html/template"

	"github.com/usbdfu/dfud-go/types"
)

type statusTemplateData struct {
	Version      string
	Sessions     []types.SessionEntry
	SessionCount int
	Log          string

	CSRFField template.HTML
}

const templateString = `
<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1, shrink-to-fit=no">
  <title>dfud status</title>
  <style>
    body {
      font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", "Roboto", "Helvetica Neue", Arial, sans-serif;
    }

    h1 {
      font-size: 36px;
    }

    p {
      color: #858585;
    }

    #container {
      width: 100%;
    }

    .item {
      border: 1px solid lightgray;
      border-radius: 4px;
      min-width: 320px;
      max-width: 500px;
      min-height: 100px;
      margin: 20px auto;
      position: relative;
    }

    .item h3 {
      left: 20px;
      position: absolute;
    }

    .item p {
      top: 50px;
      left: -5px;
      position: relative;
      font-size: 11px;
    }

    .item .session {
      top: 20px;
      right: 20px;
      position: absolute;
    }

    .inner-container {
      max-width: 1024px;
      margin: 0 auto;
      text-align: center;
      border-radius: 4px;
    }

    .badge {
      display: inline-block;
      padding: 6px 10px 6px 10px;
      border: 1px solid #01B757;
      border-radius: 4px;
      color: #01B757;
    }

    .heading {
      margin-bottom: 40px;
    }

    .space-top {
      margin-top: 34px;
    }

    .btn-primary {
      display: inline-block;
      padding: 10px 40px 10px 40px;
      background-color: #01B757;
      color: white;
      border-radius: 4px;
    }

    .btn-primary:hover {
      background-color: #00A24C;
    }

    textarea{
      max-width: 700px;
    }
  </style>
</head>

<body>
  <div id="container">
    <div class="inner-container">
      <div class="heading">
        <h1>dfud status</h1>
        <span class="badge">Version: {{.Version}}</span>
      </div>

      <p>Open sessions: {{.SessionCount}}</p>

      {{range .Sessions}}
      <div class="item">
        <h3>{{.State}}</h3>
        <span class="session">Session: {{.Session}}</span>
        <p>Path: {{.Path}}</p>
       </div>
      {{end}}

       <div class="space-top">
       <p>Console Log
       </p>
       <textarea rows="25" cols="150" id="log">
{{.Log}}
       </textarea>
       <form>
         {{.CSRFField}}
         <a href="#" id="submitlog" onClick="doSubmit()">
           <div class="btn-primary">Download detailed log</div>
         </a>
       </form>
     </div>

      <div class="space-top">
        <p>You may need to reload the page after connecting / disconnecting device</p>
        <a href="#" onClick="location.href=location.href">
          <div class="btn-primary">Refresh page</div>
        </a>
      </div>
    </div>
  </div>
  <script>
  function doSubmit() {
    const formElement = document.getElementsByTagName("form")[0]
    const data = new URLSearchParams();
    for (const pair of new FormData(formElement)) {
      data.append(pair[0], pair[1]);
    }

    fetch("/status/log.gz", {
      method: 'post',
      body: data,
      credentials: 'same-origin',
    }).then(function(resp) {
      return resp.blob();
    }).then(function(blob) {
      const url = window.URL.createObjectURL(blob);
      const a = document.createElement("a");

      document.body.appendChild(a);
      a.style = "display: none";
      a.href = url;
      a.download = "log.gz";
      a.click();

      window.URL.revokeObjectURL(url);
    });
  }
  </script>
</body>
</html>
`

var statusTemplate, _ = template.New("status").Parse(templateString)
