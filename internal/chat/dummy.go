package chat

import (
	"context"
	"math/rand"
	"sync"

	"github.com/shopspring/decimal"
)

// ExhaustedPoolAnswer is returned once every canned answer has been consumed.
const ExhaustedPoolAnswer = "No more answers available."

var defaultDummyAnswers = []string{
	"Oui, vous êtes couvert pour ce sinistre. Votre package ménage inclut les dégâts des eaux, sous réserve de la franchise applicable.",
	"Non, cet événement n'est pas couvert. Les dommages causés intentionnellement sont exclus des conditions générales de votre contrat.",
	"Oui, vous êtes couvert lors de vos déplacements à l'étranger. Votre assurance voyage s'applique dans le monde entier pendant une durée maximale de 90 jours consécutifs.",
	"Pour vous répondre précisément, pouvez-vous m'indiquer la date et les circonstances exactes de l'incident ?",
	"Oui, le vol de votre vélo est couvert. La couverture vol simple est incluse dans votre package, à hauteur de la somme assurée indiquée dans votre contrat.",
	"Non, ce type de dommage relève de l'usure normale et n'est pas pris en charge par votre couverture.",
	"Pouvez-vous préciser si l'incident a eu lieu à votre domicile ou à l'extérieur ? La couverture applicable dépend du lieu du sinistre.",
	"Oui, votre responsabilité civile couvre les dommages causés à des tiers, déduction faite de votre franchise.",
}

// DummyResponder is an offline stand-in for the model endpoint. It serves
// answers from a fixed pool consumed without replacement; once the pool is
// exhausted every call returns ExhaustedPoolAnswer. Token counts use a cheap
// length heuristic and cost is always zero.
type DummyResponder struct {
	mu   sync.Mutex
	pool []string
	rng  *rand.Rand
}

var _ Invoker = (*DummyResponder)(nil)

// NewDummyResponder creates a responder with the default answer pool.
func NewDummyResponder(seed int64) *DummyResponder {
	pool := make([]string, len(defaultDummyAnswers))
	copy(pool, defaultDummyAnswers)
	return &DummyResponder{
		pool: pool,
		rng:  rand.New(rand.NewSource(seed)),
	}
}

// NewDummyResponderWithPool creates a responder over a caller-supplied pool.
func NewDummyResponderWithPool(answers []string, seed int64) *DummyResponder {
	pool := make([]string, len(answers))
	copy(pool, answers)
	return &DummyResponder{
		pool: pool,
		rng:  rand.New(rand.NewSource(seed)),
	}
}

// Remaining reports how many canned answers are left.
func (d *DummyResponder) Remaining() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pool)
}

// Invoke draws a random answer from the pool without replacement.
func (d *DummyResponder) Invoke(ctx context.Context, input PromptInput) (Completion, error) {
	system, human, err := BuildMessages(input)
	if err != nil {
		return Completion{}, err
	}

	answer := d.draw()
	return Completion{
		Answer:           answer,
		PromptTokens:     approximateTokens(system + human),
		CompletionTokens: approximateTokens(answer),
		Cost:             decimal.Zero,
	}, nil
}

func (d *DummyResponder) draw() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pool) == 0 {
		return ExhaustedPoolAnswer
	}
	i := d.rng.Intn(len(d.pool))
	answer := d.pool[i]
	d.pool[i] = d.pool[len(d.pool)-1]
	d.pool = d.pool[:len(d.pool)-1]
	return answer
}

// approximateTokens estimates token counts at four bytes per token, the
// usual rough ratio for western-language text.
func approximateTokens(s string) int {
	n := len(s) / 4
	if n == 0 && len(s) > 0 {
		n = 1
	}
	return n
}
