package chat

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/insurapolis/backend/internal/repository"
)

// systemMessageTemplate is the behavioral contract with the model: answer
// only when confident, otherwise ask a clarifying question without leaking
// candidate answers; a confident answer opens with a direct coverage verdict
// followed by a concise justification. The wording is load-bearing and must
// not be reworded casually.
const systemMessageTemplate = `
Tu es un spécialiste en assurances chargé de répondre à des questions sur les couvertures d'assurance. Assure-toi de répondre avec certitude et précision. Lorsque tu réponds, inclut des détails sur les exclusions, les restrictions, et les limites applicables. Tu dois également informer l'utilisateur du montant de sa franchise et de sa somme maximal assuré.

Prends en compte les aspects suivants pour formuler ta réponse :

- La validité temporelle et territoriale de la couverture.
- Le montant de la franchise applicable, spécifié dans la section "Franchise" ci-dessous, en fonction du package.
- La somme maximal assuré applicable, spécifié dans la section "Somme assurée" ci-dessous, en fonction du package.
- Si les informations fournies par l'utilisateur sont insuffisantes pour donner une réponse précise, demande des détails supplémentaires pour mieux comprendre le contexte. Assure-toi d'avoir toutes les informations nécessaires avant de donner une réponse définitive.
- Les informations dans la partie context sont les couvertures souscrit par l'utilisateur et qu'il possède. Il n'est donc pas nécessaire de lui demander ce qu'il a souscrit.

Répond uniquement si tu considères que tu as tous les éléments sur le fait/événement pour répondre à la question.
1. Si ce n'est pas le cas, demandez des détails supplémentaires à l'utilisateur sans lui donner d'information sur la possible réponse
2. Si tu as tous les éléments,la réponse doit être structurée en plusieurs paragraphes. Le premier paragraphe doit contenir une phrase directe qui informe immédiatement l'utilisateur s'il est couvert ou non. Le second paragraphe doit justifier la réponse de façon concise, sans entrer dans les détails techniques.

Franchise :
{{.Deductible}}

Somme Assurée:
{{.SumInsured}}

Contexte de la demande :
{{.Context}}

Historique de la conversation :
{{.ChatHistory}}
`

const humanMessageFormat = "Question: %s"

// HistoryMessage is one prior turn fed into the prompt.
type HistoryMessage struct {
	Role    string
	Content string
}

// HistoryWindowSize bounds the history fed to the model to the last two
// human/AI exchange pairs.
const HistoryWindowSize = 4

// HistoryWindow extracts the bounded prompt history from a full ordered
// message list. Shorter histories pass through unpadded.
func HistoryWindow(messages []repository.Message) []HistoryMessage {
	start := 0
	if len(messages) > HistoryWindowSize {
		start = len(messages) - HistoryWindowSize
	}
	window := make([]HistoryMessage, 0, HistoryWindowSize)
	for _, m := range messages[start:] {
		window = append(window, HistoryMessage{Role: m.Role, Content: m.Content})
	}
	return window
}

// PromptInput carries everything the template needs for one model call.
type PromptInput struct {
	Question       string
	DeductibleText string
	SumInsuredText string
	Context        string
	History        []HistoryMessage
}

var systemTmpl = template.Must(template.New("system_message").Parse(systemMessageTemplate))

// BuildMessages renders the system and human messages for one turn.
func BuildMessages(input PromptInput) (system, human string, err error) {
	var buf bytes.Buffer
	data := map[string]string{
		"Deductible":  input.DeductibleText,
		"SumInsured":  input.SumInsuredText,
		"Context":     input.Context,
		"ChatHistory": renderHistory(input.History),
	}
	if err := systemTmpl.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("failed to execute system message template: %w", err)
	}
	return buf.String(), fmt.Sprintf(humanMessageFormat, input.Question), nil
}

func renderHistory(history []HistoryMessage) string {
	lines := make([]string, 0, len(history))
	for _, m := range history {
		prefix := "Human"
		if m.Role == repository.RoleAI {
			prefix = "AI"
		}
		lines = append(lines, prefix+": "+m.Content)
	}
	return strings.Join(lines, "\n")
}
