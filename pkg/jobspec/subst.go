package jobspec

import "strings"

// Substitute replaces <KEY> tokens in s. Layers are consulted in order and
// the first layer defining KEY wins. Unknown tokens are left verbatim.
func Substitute(s string, layers ...map[string]string) string {
	if !strings.Contains(s, "<") {
		return s
	}

	var b strings.Builder
	rest := s
	for {
		open := strings.IndexByte(rest, '<')
		if open < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.IndexByte(rest[open+1:], '>')
		if end < 0 {
			b.WriteString(rest)
			break
		}
		key := rest[open+1 : open+1+end]
		if strings.IndexByte(key, '<') >= 0 {
			b.WriteString(rest[:open+1])
			rest = rest[open+1:]
			continue
		}
		b.WriteString(rest[:open])
		if v, ok := lookup(key, layers); ok {
			b.WriteString(v)
		} else {
			b.WriteString(rest[open : open+end+2])
		}
		rest = rest[open+end+2:]
	}
	return b.String()
}

func lookup(key string, layers []map[string]string) (string, bool) {
	if key == "" || strings.ContainsRune(key, ' ') {
		return "", false
	}
	for _, layer := range layers {
		if v, ok := layer[key]; ok {
			return v, true
		}
	}
	return "", false
}

// SubstituteJob applies Substitute to every string field of j.
func SubstituteJob(j Job, layers ...map[string]string) Job {
	out := j
	out.Executable = Substitute(j.Executable, layers...)
	out.Stdin = Substitute(j.Stdin, layers...)
	out.Stdout = Substitute(j.Stdout, layers...)
	out.Stderr = Substitute(j.Stderr, layers...)
	out.StartFile = Substitute(j.StartFile, layers...)
	out.TargetFile = Substitute(j.TargetFile, layers...)
	out.ErrorFile = Substitute(j.ErrorFile, layers...)
	out.LicensePath = Substitute(j.LicensePath, layers...)

	if len(j.Args) > 0 {
		out.Args = make([]string, len(j.Args))
		for i, a := range j.Args {
			out.Args[i] = Substitute(a, layers...)
		}
	}
	if len(j.Env) > 0 {
		out.Env = make(map[string]string, len(j.Env))
		for k, v := range j.Env {
			out.Env[k] = Substitute(v, layers...)
		}
	}
	return out
}
