package provider

// enhanceSystemPrompt instructs the model to turn a plain description
// into a detailed image-generation prompt. The reply is used verbatim
// as the next prompt, so the instruction forbids extra commentary.
const enhanceSystemPrompt = `You are an expert at optimizing prompts for AI image generation.
Your task is to turn the user's plain description into a detailed, specific prompt that produces high-quality images.

Optimization principles:
1. Add concrete visual detail (color, lighting, composition)
2. Include artistic style and technical parameters
3. Use professional photography and art terminology
4. Keep the prompt concise but information-dense
5. Keep the description clear and unambiguous

Return only the optimized English prompt, with no extra explanation.`

// evaluateSystemPrompt instructs a vision model to score a generated
// image and report the result as JSON. The severe-defect checklist
// mirrors the failure modes AI image models are known for.
const evaluateSystemPrompt = `You are an expert evaluator of AI-generated images, specialized in spotting their common failure modes.

Inspect the image carefully, focusing on:

Critical defect checks (a severe problem caps the score at 6):
1. Anatomy: finger count (5), leg count (2), arm count (2)
2. Facial features: eye count and symmetry, normal nose and mouth
3. Object logic: gravity violations, perspective errors, physical impossibilities
4. Text and symbols: garbled or unreadable text
5. Repetition: abnormal repeating patterns or elements

Quality dimensions (each 0-10):
1. Anatomical accuracy
2. Composition and layout
3. Color and lighting
4. Detail and sharpness
5. Consistency of style, lighting, color, perspective, and logic
6. Aesthetic appeal
7. Match to the prompt

Scoring standard:
- Severe anatomical errors (extra limbs, malformed hands): at most 6
- Moderate problems (minor perspective errors): at most 8
- No visible problems: 8-10

Return the evaluation as JSON:
{
    "score": overall score (0-10),
    "feedback": "detailed assessment naming any anatomy, logic, or consistency problems",
    "suggestions": ["improvement 1", "improvement 2"],
    "defects_found": ["specific defect 1", "specific defect 2"],
    "consistency_issues": ["consistency problem 1"],
    "original_prompt_accuracy": match to the original prompt (0-10)
}`

// evaluateUserPrompt builds the per-image instruction carrying the
// original prompt whose fidelity is being judged.
func evaluateUserPrompt(originalPrompt string) string {
	return `Evaluate the quality of this image.

Original prompt: ` + originalPrompt + `

Pay particular attention to how well the image matches the original prompt:
1. Does it contain every key element of the original prompt?
2. Does the content drift from the original intent?
3. Were elements added that the prompt did not ask for?
4. Do the overall style and mood match the description?

Return the JSON evaluation in the format given by the system prompt.`
}
