package gemini

// Request/response shapes for the Gemini generateContent and batch APIs.
// Only the fields the engine reads are declared.

type generatePart struct {
	Text string `json:"text"`
}

type generateContent struct {
	Parts []generatePart `json:"parts"`
	Role  string         `json:"role,omitempty"`
}

type generateRequest struct {
	Contents         []generateContent `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type generationConfig struct {
	ResponseMimeType string         `json:"responseMimeType,omitempty"`
	ResponseSchema   map[string]any `json:"responseSchema,omitempty"`
	MaxOutputTokens  int            `json:"maxOutputTokens,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content      generateContent `json:"content"`
		FinishReason string          `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata usageMetadata `json:"usageMetadata"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

type fileUploadResponse struct {
	File struct {
		Name string `json:"name"`
	} `json:"file"`
}

type batchCreateRequest struct {
	Batch batchSpec `json:"batch"`
}

type batchSpec struct {
	DisplayName string           `json:"displayName"`
	InputConfig batchInputConfig `json:"inputConfig"`
}

type batchInputConfig struct {
	FileName string `json:"fileName"`
}

type batchJob struct {
	Name     string `json:"name"`
	Metadata struct {
		State          string `json:"state"`
		CreateTime     string `json:"createTime"`
		UpdateTime     string `json:"updateTime"`
		RequestCount   int    `json:"requestCount"`
		CompletedCount int    `json:"completedCount"`
		ErrorMessage   string `json:"errorMessage"`
	} `json:"metadata"`
	Dest struct {
		FileName string `json:"fileName"`
	} `json:"dest"`
}

// batchResultLine is one line of a downloaded batch results file.
type batchResultLine struct {
	Key      string           `json:"key"`
	Response generateResponse `json:"response"`
	Error    *struct {
		Message string `json:"message"`
	} `json:"error"`
}
