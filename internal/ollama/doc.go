// Package ollama talks to a local Ollama server.
//
// Client issues chat requests against /api/chat, either as a single
// resolved message or as a raw newline-delimited JSON stream, and probes
// /api/tags for model listing and reachability. Decoder turns the raw
// stream into content-fragment and completion events.
//
//	body, err := client.ChatStream(ctx, "http://localhost:11434", req)
//	if err != nil {
//	    return err
//	}
//	defer body.Close()
//	for ev, err := range ollama.Decode(ctx, body, logger) {
//	    if err != nil {
//	        return err
//	    }
//	    if ev.Kind == ollama.EventFragment {
//	        fmt.Print(ev.Content)
//	    }
//	}
package ollama
