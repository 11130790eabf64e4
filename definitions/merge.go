// Copyright 2020 Fugue, Inc.
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

package definitions

func mergeStr(a, b string) string {
	if b != "" {
		return b
	}
	return a
}

func mergeInt(a, b int) int {
	if b != 0 {
		return b
	}
	return a
}

func mergeStrs(a, b []string) []string {
	if len(b) > 0 {
		a = b
	}
	if a == nil {
		return nil
	}
	return append([]string{}, a...)
}

func copyStringsMap(m map[string]string) map[string]string {
	result := map[string]string{}
	for k, v := range m {
		result[k] = v
	}
	return result
}

func mergeStringsMap(a, b map[string]string) map[string]string {
	result := copyStringsMap(a)
	for k, v := range b {
		result[k] = v
	}
	return result
}
