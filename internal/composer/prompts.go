package composer

import (
	"fmt"
	"strings"

	"github.com/kalambet/kbchat/internal/conversation"
)

const answerTemplate = `You are a helpful and talkative %[1]s assistant that answers questions directly and only using the information provided in the context below.
Guidance for answers:
    - Do not include any framing language such as "According to the context" in your responses, but rather act is if the information is coming from your memory banks.
    - Simply answer the question clearly and with lots of detail using only the relevant details from the information below. If the context does not contain the answer, say "I don't know."
    - Use the royal "We" in your responses.
    - Separate paragraphs with a blank line.
    - Finally, you should use the following guidance to control the tone: %[2]s

Now read this context and answer the question at the bottom.

Context: %[3]s

Question: "Hey %[1]s Chatbot! %[4]s"
`

// AnswerPrompt renders the grounded answer prompt. The output depends only
// on its arguments.
func AnswerPrompt(persona, tone, context, question string) string {
	return fmt.Sprintf(answerTemplate, persona, tone, context, question)
}

// AnswerSystem is the system instruction sent alongside the answer prompt.
func AnswerSystem(persona, tone string) string {
	return fmt.Sprintf("You are a helpful and talkative %s assistant. %s", persona, tone)
}

const condenseTemplate = `Given the following conversation and a follow up question, rephrase the follow up question to be a standalone question, in its original language.

Chat History:
%s

Follow Up Input: %s
Standalone question:`

// CondensePrompt renders every turn of h as a Human/AI pair followed by the
// follow-up question.
func CondensePrompt(h conversation.History, question string) string {
	lines := make([]string, len(h))
	for i, t := range h {
		lines[i] = fmt.Sprintf("Human: %s\nAI: %s", t.User, t.Assistant)
	}
	return fmt.Sprintf(condenseTemplate, strings.Join(lines, "\n"), question)
}

const describeTemplate = `Using only the information below, write a two sentence description of %s: what kind of organisation it is and what it offers. Reply with the description only.

Information:
%s`

func DescribePrompt(customer, context string) string {
	return fmt.Sprintf(describeTemplate, customer, context)
}

const subQuestionsTemplate = `%s is described as follows:
%s

Additional information:
%s

Write between 3 and 5 short search questions, each about a different product or service %s offers, that would help build a complete catalog of its offerings.
Reply with a JSON array of strings and nothing else, for example ["What X does %s sell?", "..."].`

func SubQuestionsPrompt(customer, description, context string) string {
	return fmt.Sprintf(subQuestionsTemplate, customer, description, context, customer, customer)
}

// DefaultSubQuestion is used when the sub-question list cannot be parsed.
func DefaultSubQuestion(customer string) string {
	return fmt.Sprintf("What products and services does %s offer?", customer)
}

const extractionTemplate = `Extract every distinct product or service of %s mentioned in the passage below.
Return a JSON array. Each element must be an object with these fields:
  "name": the product name ("Unknown Product" if it cannot be determined)
  "description": one or two sentences describing it
  "link": a URL for the product if the passage contains one, otherwise ""
  "icon": a single lowercase icon name that suits the product, for example "cube", "cloud", "shield"
Return [] when the passage mentions no products. Reply with the JSON array only.

The passage was retrieved for the question: %s

Passage:
%s`

func ExtractionPrompt(customer, question, passage string) string {
	return fmt.Sprintf(extractionTemplate, customer, question, passage)
}

var sectionGuidance = map[string]string{
	"overview": "a concise overview of what the product is and who it is for",
	"features": "the key features, as a markdown bullet list",
	"benefits": "the main benefits for the customer, as a markdown bullet list",
	"pricing":  "the available pricing and plan information; say that pricing is available on request if none is given",
}

const sectionTemplate = `You are writing the %[2]s section of a product page for %[1]s, a product of %[3]s.
Write %[4]s, in markdown, using only the information below.
Start directly with the content. Do not include a heading or any introductory phrases such as "Here is" or "Sure".

Information:
%[5]s`

// SectionPrompt renders the prompt for one product detail section.
func SectionPrompt(customer, product, section, context string) string {
	guidance, ok := sectionGuidance[section]
	if !ok {
		guidance = "the " + section + " section"
	}
	return fmt.Sprintf(sectionTemplate, product, section, customer, guidance, context)
}

const visualizationTemplate = `Answer the request below with chart data built from the product list.
Request: %s

Products (JSON):
%s

Reply with one JSON object and nothing else, in this shape:
{"chartType": "bar" | "pie" | "line" | "radar", "title": "...", "description": "...", "dataPoints": [{"category": "...", "value": <number>}]}`

func VisualizationPrompt(question, productsJSON string) string {
	return fmt.Sprintf(visualizationTemplate, question, productsJSON)
}

const suggestionsTemplate = `%s is described as follows:
%s

Write 4 short questions a visitor of the %s website might ask its support chatbot. Each question must be under 60 characters.
Reply with a JSON array of strings and nothing else.`

func SuggestionsPrompt(customer, description string) string {
	return fmt.Sprintf(suggestionsTemplate, customer, description, customer)
}
