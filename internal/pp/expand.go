package pp

import "strings"

const (
	variablePrefix     = '$'
	variableOpenBrace  = '['
	variableCloseBrace = ']'
	variableOpenNested = '('
	paramSeparator     = ','
	variablePatsubst   = ":"
	patsubstDelim      = "="
)

// expansionChain tracks the variable names currently being expanded, to
// detect cyclical definitions.  It is threaded through the recursive calls
// as a linked list.
type expansionChain struct {
	varname string
	next    *expansionChain
}

func (c *expansionChain) contains(varname string) bool {
	for ; c != nil; c = c.next {
		if c.varname == varname {
			return true
		}
	}
	return false
}

// ExpandString expands all $[...] references in str.  Expansion is
// recursive: if a variable's definition refers to another variable, the
// reference is expanded in turn.  Cyclical references expand to empty with
// a warning.
func (s *Scope) ExpandString(str string) string {
	result := s.rExpandString(str, nil)
	if h := s.ctx.Histogram; h != nil && str != result {
		h.Record(str, result)
	}
	return result
}

func (s *Scope) rExpandString(str string, chain *expansionChain) string {
	var result strings.Builder
	p := 0
	for p < len(str) {
		if p+1 < len(str) && str[p] == variablePrefix && str[p+1] == variableOpenBrace {
			result.WriteString(s.rExpandVariable(str, &p, chain))
		} else {
			result.WriteByte(str[p])
			p++
		}
	}
	return result.String()
}

// scanVariable scans past a single $[...] reference without expanding it,
// matching nested references properly.  On input p points at the $; on
// output it points just past the closing bracket.  The reference text
// itself is returned.
func (s *Scope) scanVariable(str string, p *int) string {
	start := *p
	q := *p + 2
	for q < len(str) && str[q] != variableCloseBrace {
		if q+1 < len(str) && str[q] == variablePrefix && str[q+1] == variableOpenBrace {
			s.scanVariable(str, &q)
		} else {
			q++
		}
	}
	if q < len(str) {
		q++
	} else {
		s.ctx.Warnf("Warning!  Unclosed variable reference:\n%s", str[*p:])
	}
	*p = q
	return str[start:q]
}

// scanToWhitespace returns the position of the first whitespace character
// at or after start that is not inside a $[...] reference.
func (s *Scope) scanToWhitespace(str string, start int) int {
	p := start
	for p < len(str) && !isspace(str[p]) {
		if p+1 < len(str) && str[p] == variablePrefix && str[p+1] == variableOpenBrace {
			s.scanVariable(str, &p)
		} else {
			p++
		}
	}
	return p
}

// tokenizeParams splits str into comma-separated tokens, skipping commas
// inside nested $[...] references and stripping surrounding whitespace from
// each token.  When expand is true, nested references are expanded during
// tokenization; otherwise they are carried through literally.
func (s *Scope) tokenizeParams(str string, expand bool) []string {
	var tokens []string
	p := 0
	for p < len(str) {
		for p < len(str) && isspace(str[p]) {
			p++
		}
		var token strings.Builder
		for p < len(str) && str[p] != paramSeparator {
			if p+1 < len(str) && str[p] == variablePrefix && str[p+1] == variableOpenBrace {
				if expand {
					token.WriteString(s.rExpandVariable(str, &p, nil))
				} else {
					token.WriteString(s.scanVariable(str, &p))
				}
			} else {
				token.WriteByte(str[p])
				p++
			}
		}
		tok := token.String()
		q := len(tok)
		for q > 0 && isspace(tok[q-1]) {
			q--
		}
		tokens = append(tokens, tok[:q])
		p++

		if p == len(str) {
			// A trailing comma yields one more empty token.
			tokens = append(tokens, "")
		}
	}
	return tokens
}

// rExpandVariable expands a single $[...] reference.  On input p points at
// the $; on output it points just past the closing bracket.
func (s *Scope) rExpandVariable(str string, p *int, chain *expansionChain) string {
	var varname strings.Builder

	whitespaceAt := 0
	openNestedAt := 0

	q := *p + 2
	for q < len(str) && str[q] != variableCloseBrace {
		if q+1 < len(str) && str[q] == variablePrefix && str[q+1] == variableOpenBrace {
			if whitespaceAt != 0 {
				// Past the head whitespace the rest is function
				// parameters, which may need to be expanded in some
				// other scope; carry them through unexpanded.
				varname.WriteString(s.scanVariable(str, &q))
			} else {
				varname.WriteString(s.rExpandVariable(str, &q, chain))
			}
		} else {
			if openNestedAt == 0 && str[q] == variableOpenNested {
				openNestedAt = q - (*p + 2)
			}
			if openNestedAt == 0 && whitespaceAt == 0 && isspace(str[q]) {
				whitespaceAt = q - (*p + 2)
			}
			varname.WriteByte(str[q])
			q++
		}
	}

	if q < len(str) {
		q++
	} else {
		s.ctx.Warnf("Warning!  Unclosed variable reference:\n%s", str[*p:])
	}
	*p = q

	name := varname.String()

	// Head followed by whitespace means a function call.
	if whitespaceAt != 0 {
		funcname := name[:whitespaceAt]
		r := whitespaceAt
		for r < len(name) && isspace(name[r]) {
			r++
		}
		params := name[r:]

		if sub := s.ctx.GetFunc(funcname); sub != nil {
			return s.expandFunction(funcname, sub, params)
		}
		if builtin, ok := builtins[funcname]; ok {
			return builtin(s, params)
		}
		// Neither a user function nor a builtin; it must be a map
		// variable.
		return s.expandMapVariable(funcname, params)
	}

	if chain.contains(name) {
		s.ctx.Warnf("Ignoring cyclical expansion of %s", name)
		return ""
	}

	// Check for a GNU-make-style inline substitution, $[varname:%.c=%.o].
	var patsubst string
	gotPatsubst := false
	if colon := strings.Index(name, variablePatsubst); colon >= 0 {
		gotPatsubst = true
		patsubst = name[colon+len(variablePatsubst):]
		name = name[:colon]
	}

	var expansion string
	if open := strings.IndexByte(name, variableOpenNested); open >= 0 && strings.HasSuffix(name, ")") {
		scopeNames := name[open+1 : len(name)-1]
		name = name[:open]
		expansion = s.expandVariableNested(name, scopeNames)
	} else {
		expansion = s.Get(name)
	}

	newChain := &expansionChain{varname: name, next: chain}
	result := s.rExpandString(expansion, newChain)

	if gotPatsubst {
		parts := strings.Split(patsubst, patsubstDelim)
		if len(parts) != 2 {
			s.ctx.Errorf("inline patsubst should be of the form $[varname:%%.c=%%.o].")
			return result
		}
		from := NewPattern(parts[0])
		to := NewPattern(parts[1])
		if !from.HasWildcard() || !to.HasWildcard() {
			s.ctx.Errorf("The two parameters of inline patsubst must both include %%.")
			return ""
		}
		words := tokenizeWhitespace(result)
		for i, word := range words {
			words[i] = to.Transform(word, from)
		}
		result = repaste(words, " ")
	}

	return result
}

// expandVariableNested expands $[varname(scope scope ...)]: the variable is
// expanded within each matching named scope and the non-empty results are
// space-joined.
func (s *Scope) expandVariableNested(varname, scopeNames string) string {
	var scopes []*Scope
	for _, name := range tokenizeWhitespace(scopeNames) {
		s.ctx.Named.GetScopes(name, &scopes)
	}
	if len(scopes) == 0 {
		return ""
	}
	SortByDependency(scopes)

	var results []string
	for _, scope := range scopes {
		nested := scope.ExpandVariable(varname)
		if nested != "" {
			results = append(results, nested)
		}
	}
	return repaste(results, " ")
}

// expandFunction invokes a #defun body: the lines run in a fresh transient
// scope with the caller pushed on the dynamic stack, the written output is
// captured, and all whitespace runs collapse to single spaces.
func (s *Scope) expandFunction(funcname string, sub *Subroutine, params string) string {
	s.ctx.PushScope(s)
	defer s.ctx.PopScope()

	nested := NewScope(s.ctx)
	nested.DefineFormals(funcname, sub.Formals, params)

	var out strings.Builder
	command := NewCommandFile(nested)
	command.SetOutput(&out)

	command.BeginRead()
	ok := true
	for _, line := range sub.Lines {
		if ok {
			ok = command.ReadLine(line)
		}
	}
	if ok {
		command.EndRead()
	}

	return repaste(tokenizeWhitespace(out.String()), " ")
}

// expandMapVariable expands $[mapvar EXPR,KEYS]: EXPR is expanded within
// each child scope whose key appears in KEYS, and the non-empty results are
// space-joined.
func (s *Scope) expandMapVariable(varname, params string) string {
	tokens := s.tokenizeParams(params, false)
	if len(tokens) != 2 {
		s.ctx.Errorf("map variable expansions require two parameters: $[%s %s]", varname, params)
		return ""
	}
	keys := tokenizeWhitespace(s.ExpandString(tokens[1]))
	return s.expandMapVariableKeys(varname, tokens[0], keys)
}

func (s *Scope) expandMapVariableKeys(varname, expression string, keys []string) string {
	def := s.FindMapVariable(varname)
	if def == nil {
		s.ctx.Warnf("Warning:  undefined map variable: %s", varname)
		return ""
	}

	var results []string
	for _, key := range keys {
		if scope, ok := def[key]; ok {
			expansion := scope.ExpandString(expression)
			if expansion != "" {
				results = append(results, expansion)
			}
		}
	}
	return repaste(results, " ")
}
