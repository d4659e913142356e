package service

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

const defaultSynthesisPrompt = `Analyze the following {{.Count}} images and describe the activities and changes occurring over time. Each image is accompanied by its timestamp (in UTC) and location.

1. Use the provided timestamps to organize your response, e.g., "**[Timestamp UTC] - [Location]:**".
2. Describe people's appearances, actions and possible emotions. Note specific objects, their positions and any changes between images.
3. Make educated guesses about what happened between the visible moments to keep the account coherent.
4. Relate your observations directly to the user's question: "{{.Question}}"
5. Start your description immediately without any introductory statements.
6. Provide your response in the {{.Language}} language, adapting your style to sound natural in that language.`

const defaultDescribePrompt = `Describe this image in detail: the place, the people and what they are doing, and the notable objects and their state. Answer in plain prose without introductory statements.`

// Prompts are the instruction templates sent to the vision-language model.
type Prompts struct {
	Synthesis string `yaml:"synthesis"`
	Describe  string `yaml:"describe"`

	synthesis *template.Template
}

type synthesisData struct {
	Count    int
	Question string
	Language string
}

func DefaultPrompts() *Prompts {
	p, err := newPrompts(Prompts{Synthesis: defaultSynthesisPrompt, Describe: defaultDescribePrompt})
	if err != nil {
		panic(err)
	}
	return p
}

// LoadPrompts reads the YAML prompts file. A missing file yields the
// defaults, and so does any key left empty in the file.
func LoadPrompts(path string) (*Prompts, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultPrompts(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultPrompts(), nil
		}
		return nil, fmt.Errorf("read prompts: %w", err)
	}
	var p Prompts
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode prompts %s: %w", path, err)
	}
	if strings.TrimSpace(p.Synthesis) == "" {
		p.Synthesis = defaultSynthesisPrompt
	}
	if strings.TrimSpace(p.Describe) == "" {
		p.Describe = defaultDescribePrompt
	}
	return newPrompts(p)
}

func newPrompts(p Prompts) (*Prompts, error) {
	tmpl, err := template.New("synthesis").Option("missingkey=error").Parse(p.Synthesis)
	if err != nil {
		return nil, fmt.Errorf("parse synthesis prompt: %w", err)
	}
	p.synthesis = tmpl
	return &p, nil
}

func (p *Prompts) Instruction(count int, question, language string) (string, error) {
	var buf bytes.Buffer
	if err := p.synthesis.Execute(&buf, synthesisData{Count: count, Question: question, Language: language}); err != nil {
		return "", fmt.Errorf("render synthesis prompt: %w", err)
	}
	return buf.String(), nil
}

func (p *Prompts) DescribePrompt() string {
	return p.Describe
}
