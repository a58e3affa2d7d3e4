// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package openai

import "strings"

// repairJSON fixes the formatting slips small models make most often:
// a key missing its opening quote (`, type":` becomes `, "type":`) and a
// trailing comma before a closing bracket or brace. String contents are
// never touched.
func repairJSON(s string) string {
	src := []rune(s)
	var out strings.Builder
	out.Grow(len(s) + 16)

	inString := false
	for i := 0; i < len(src); i++ {
		ch := src[i]

		if inString {
			out.WriteRune(ch)
			switch ch {
			case '\\':
				if i+1 < len(src) {
					i++
					out.WriteRune(src[i])
				}
			case '"':
				inString = false
			}
			continue
		}

		switch ch {
		case '"':
			inString = true
			out.WriteRune(ch)
		case ',':
			j := skipSpace(src, i+1)
			if j < len(src) && (src[j] == '}' || src[j] == ']') {
				continue
			}
			out.WriteRune(ch)
			i = copyUnquotedKey(src, i+1, &out)
		case '{':
			out.WriteRune(ch)
			i = copyUnquotedKey(src, i+1, &out)
		default:
			out.WriteRune(ch)
		}
	}
	return out.String()
}

// copyUnquotedKey copies whitespace after a '{' or ',' at start and, when it is
// followed by a bare key ending in `":`, writes the missing opening quote.
// It returns the index of the last rune consumed.
func copyUnquotedKey(src []rune, start int, out *strings.Builder) int {
	j := skipSpace(src, start)
	out.WriteString(string(src[start:j]))
	if j >= len(src) || !isLetter(src[j]) {
		return j - 1
	}

	k := j
	for k < len(src) && (isLetter(src[k]) || src[k] == '_') {
		k++
	}
	if k+1 < len(src) && src[k] == '"' && src[k+1] == ':' {
		out.WriteRune('"')
		out.WriteString(string(src[j:k]))
		out.WriteRune('"')
		return k
	}
	out.WriteString(string(src[j:k]))
	return k - 1
}

func skipSpace(src []rune, i int) int {
	for i < len(src) && (src[i] == ' ' || src[i] == '\n' || src[i] == '\t' || src[i] == '\r') {
		i++
	}
	return i
}
