package assistant

var fallbackMessages = map[Category]string{
	CategoryAuth:             "Estou com dificuldade para acessar o serviço de IA no momento. Nossa equipe já foi notificada, tente novamente em alguns minutos.",
	CategoryRateLimit:        "Recebemos muitas solicitações ao mesmo tempo. Aguarde alguns instantes e envie sua mensagem novamente.",
	CategoryTimeout:          "A resposta está demorando mais do que o esperado. Envie sua mensagem novamente em instantes.",
	CategoryAssistantConfig:  "Este assistente está temporariamente indisponível por um problema de configuração. Nossa equipe já foi avisada.",
	CategoryProviderFailed:   "Não consegui concluir a resposta desta vez. Por favor, tente novamente.",
	CategoryExtractionFailed: "Recebi uma resposta vazia do assistente. Reformule ou envie sua mensagem novamente.",
	CategoryUnknown:          "Desculpe, ocorreu um erro inesperado ao processar sua mensagem. Tente novamente em instantes.",
}

// FallbackMessage is the user-facing text stored in place of a reply when
// an exchange fails with category c.
func FallbackMessage(c Category) string {
	if m, ok := fallbackMessages[c]; ok {
		return m
	}
	return fallbackMessages[CategoryUnknown]
}
