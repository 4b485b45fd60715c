package services

// captioningPrompt instructs the multimodal model to return a strict JSON
// payload. The parser still tolerates a surrounding code fence because some
// models wrap JSON in markdown despite the instruction.
const captioningPrompt = `You are an expert image analysis assistant. Analyze the provided image and generate multiple short, descriptive captions in JSON format.

Return your response as a valid JSON object with this exact structure:

{
  "captions": [
    "A brief description of the main subject",
    "Focus on the action or activity happening",
    "Describe the setting or location",
    "Mention notable colors or visual style",
    "Focus on key details or elements"
  ]
}

Guidelines:
- At most 5 captions per image
- Keep each caption between 5-15 words
- Vary the focus of each caption (subject, action, setting, mood)
- Use vivid, concrete language and be accurate
- Return ONLY valid JSON with no additional text`

// maxCaptions bounds the caption list regardless of what the model returns.
const maxCaptions = 5
