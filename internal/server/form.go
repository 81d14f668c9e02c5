package server

import "html/template"

type formData struct {
	Prompt           string
	Text             string
	Separator        string
	ParallelRequests string
	ChunkSize        string
	MaxRPM           string
}

var formTmpl = template.Must(template.New("form").Parse(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <title>LLM Request Form</title>
    <style>
      body { padding: 20px; max-width: 800px; margin: 0 auto; }
      textarea, input { margin-bottom: 10px; }
      .response { white-space: pre-wrap; background: #f5f5f5; padding: 15px; margin-top: 20px; }
    </style>
    <script>
      function submitForm(event) {
        event.preventDefault();
        fetch('/generate', { method: 'POST', body: new FormData(event.target) })
          .then(r => r.json())
          .then(data => {
            const box = document.createElement('div');
            box.className = 'response';
            box.textContent = data.result !== undefined ? data.result : ('Error: ' + data.error);
            const out = document.getElementById('result');
            out.replaceChildren(box);
          })
          .catch(err => { document.getElementById('result').textContent = 'Error: ' + err; });
      }
    </script>
  </head>
  <body>
    <h1>Generate Content with LLM</h1>
    <form onsubmit="submitForm(event)" enctype="multipart/form-data">
      <label for="prompt">Prompt for LLM:</label><br>
      <textarea id="prompt" name="prompt" rows="10" cols="80">{{.Prompt}}</textarea><br>

      <label for="text">Text:</label><br>
      <textarea id="text" name="text" rows="10" cols="80">{{.Text}}</textarea><br>

      <label for="file">Or upload a text file:</label><br>
      <input type="file" id="file" name="file" accept=".txt,.md,text/plain"><br>

      <label for="separator">Separator:</label><br>
      <textarea id="separator" name="separator" rows="3" cols="80">{{.Separator}}</textarea><br>

      <label for="parallel_requests">Amount of Parallel Requests:</label><br>
      <input type="number" id="parallel_requests" name="parallel_requests" value="{{.ParallelRequests}}"><br>

      <label for="chunk_size">Size of a Chunk in Symbols:</label><br>
      <input type="number" id="chunk_size" name="chunk_size" value="{{.ChunkSize}}"><br>

      <label for="max_requests_per_minute">Max Requests per Minute (empty = unlimited):</label><br>
      <input type="number" id="max_requests_per_minute" name="max_requests_per_minute" value="{{.MaxRPM}}"><br>

      <input type="submit" value="Generate">
    </form>
    <div id="result"></div>
  </body>
</html>
`))
