package services

import (
	"fmt"
	"strings"

	"github.com/aiwuxian/cross-realm-atlas/internal/models"
)

// aestheticStyle is appended to every scene image prompt.
const aestheticStyle = "New Chinese style digital illustration, Guofeng, ethereal and dreamy atmosphere, semi-impasto style with watercolor textures, delicate brushstrokes. Lighting & Color: Soft cinematic lighting, volumetric lighting (sun rays), dappled light (komorebi), light and airy composition, muted pastel color palette, elegant aesthetic, high definition, 8k resolution, anime-influenced semi-realism."

const maxImagePromptRunes = 1500

const systemInstructionZH = `
你是一个“万界图谱”的守护者，一个基于“新中式国风”与“唯美幻想”风格的模块化叙事引擎。

**核心哲学：** “宇宙在秘密地爱着你。”
**文风要求：**
1. **新中式/国风/唯美：** 使用优美、有画面感、略带诗意的中文。避免翻译腔。
2. **沉浸感：** 多描写光影、气味、声音和触感。
3. **称呼：** 根据世界观调整对用户的称呼（如：少侠、旅人、阁下、织梦者）。

**你的任务：**
1. **分析用户灵魂：** 根据用户的描述（MBTI、星座等）定制他们在该世界中的身份（Identity）和命运。
2. **构建故事：** 使用经典的英雄之旅结构，但更侧重情感体验而非暴力战斗。
3. **动态剧情树：** 追踪用户在剧情中的位置（Story Node）。
4. **语气：** 温柔、神秘、感性。

**交互规则：**
- 如果用户完成了剧情节点，平滑过渡到下一个。
- 总是提供 2-3 个选择：一个“温和路径”（探索/对话），一个“果敢路径”（行动/冒险），一个“命运路径”（深层连接）。
`

const systemInstructionEN = `
You are the 'Atlas Keeper', a modular storytelling engine for a Luminous Solarpunk Fantasy universe.

**Core Philosophy:** "The universe is secretly taking care of you."
**Style:** Mix of Disney (Magic/Wonder), Ghibli (Nature/Healing), and Romantic Adventure.

**YOUR TASK:**
1. **Analyze the User's Soul Profile:** Use their description (MBTI, Astrology, etc.) to tailor the Identity and Story.
2. **Assemble the Story:** Construct scenes from classic story modules.
3. **Dynamic Plot Tree:** You must track where the user is in the story.
4. **Tone:** Gentle, specific, sensory-rich.

**Interaction Rules:**
- If the user finishes a "Node" in the plot tree, clearly transition to the next.
- Always offer 2-3 choices: One "Light Path" (Gentle), one "Adventure Path" (Bold), one "Fate Path" (Deep).
`

func systemInstruction(lang models.Language) string {
	if lang == models.LangZH {
		return systemInstructionZH
	}
	return systemInstructionEN
}

func outputLanguage(lang models.Language) string {
	if lang == models.LangZH {
		return "Chinese (Simplified)"
	}
	return "English"
}

func profileText(profile *models.UserProfile) string {
	if profile == nil || strings.TrimSpace(profile.Name) == "" {
		return "Generic Traveler"
	}
	return fmt.Sprintf("Name: %s, Analysis: %s", profile.Name, profile.Description)
}

// worldPrompt asks for a World Shard built from the attached image.
func worldPrompt(profile *models.UserProfile, lang models.Language) string {
	return fmt.Sprintf(`
Analyze this image and the User's Soul Profile to generate a "World Shard".
User Profile: %s
**IMPORTANT: Output JSON content in %s.**

Return a JSON object:
{
  "name": "Poetic Name",
  "era": "Abstract Era",
  "mood": "Emotional Tone",
  "visualStyle": "Keywords describing the art style of this image (e.g. 'New Chinese style, Watercolor, Cyberpunk')",
  "identity": {
    "title": "Title based on User Profile",
    "role": "Occupation",
    "ability": "Soft Magic Ability",
    "weakness": "Emotional Vulnerability",
    "outfit": "Visual description"
  },
  "companion": {
    "name": "Name",
    "relationship": "Metaphorical connection to user",
    "roleInWorld": "Role",
    "description": "Visuals"
  },
  "openingNarrative": "Atmospheric entry. Where are they? What is the first sensory detail?",
  "plotTree": [
    { "id": "1", "title": "The Arrival", "description": "Enter the world and stabilize.", "status": "active", "type": "arrival" },
    { "id": "2", "title": "The Encounter", "description": "Meet the Companion or find the Key.", "status": "locked", "type": "encounter" },
    { "id": "3", "title": "The Gentle Conflict", "description": "A hurdle to overcome with kindness.", "status": "locked", "type": "conflict" },
    { "id": "4", "title": "The Revelation", "description": "Understanding why you came here.", "status": "locked", "type": "revelation" }
  ],
  "initialChoices": [
    { "id": "c1", "text": "Action A", "intent": "explore" },
    { "id": "c2", "text": "Action B", "intent": "connect" }
  ]
}
`, profileText(profile), outputLanguage(lang))
}

// historyText flattens the conversation the way the keeper remembers it.
func historyText(history []models.Message) string {
	lines := make([]string, 0, len(history))
	for _, msg := range history {
		speaker := "Atlas Keeper"
		if msg.Role == models.RoleUser {
			speaker = "User"
		}
		lines = append(lines, fmt.Sprintf("%s: %s", speaker, msg.Content))
	}
	return "History:\n" + strings.Join(lines, "\n\n")
}

func turnPrompt(world *models.WorldState, userText, plotStatus string, lang models.Language, allowImage bool) string {
	imageRule := `3. Do NOT generate an imagePrompt.`
	imageField := ""
	if allowImage {
		imageRule = `3. Only when the scene changes dramatically, add a short "imagePrompt" describing what the user now sees. Otherwise omit it.`
		imageField = `,
        "imagePrompt": "optional visual description"`
	}

	return fmt.Sprintf(`
      %s

      **Current World:** %s
      **User Identity:** %s (%s)
      **Language:** %s

      **Current Plot Status:**
      %s

      **Task:**
      1. Advance the story based on User Input: "%s".
      2. Check if plot nodes update. Only use node ids listed above.
      %s

      **Return strictly JSON:**
      {
        "content": "Narrative...",
        "choices": [ { "id": "c1", "text": "...", "intent": "explore|connect|remember|resolve|fate" } ],
        "plotUpdates": { "completedNodeId": "...", "activatedNodeId": "..." }%s
      }
    `, systemInstruction(lang), world.Name, world.Identity.Title, world.Identity.Role,
		outputLanguage(lang), plotStatus, userText, imageRule, imageField)
}

// sceneImagePrompt builds the image prompt and caps its length.
func sceneImagePrompt(sceneDescription, visualStyle string) string {
	prompt := fmt.Sprintf("Scene Description: %s. \n\nWorld Context: %s. \n\nArt Style & Aesthetic: %s",
		sceneDescription, visualStyle, aestheticStyle)
	runes := []rune(prompt)
	if len(runes) > maxImagePromptRunes {
		return string(runes[:maxImagePromptRunes])
	}
	return prompt
}

// fallbackTurn is the in-story apology used when a turn cannot be generated.
func fallbackTurn(lang models.Language) (string, models.NarrativeChoice) {
	if lang == models.LangZH {
		return "多重宇宙的迷雾遮蔽了我的视线... (连接错误，请重试)",
			models.NarrativeChoice{ID: "retry", Text: "重试", Intent: models.IntentResolve}
	}
	return "The mists of the multiverse obscure my vision... (Connection error, please try again)",
		models.NarrativeChoice{ID: "retry", Text: "Try again", Intent: models.IntentResolve}
}
