// internal/detectors/scripts.go
package detectors

// DOM probes evaluated in the page. Each returns plain JSON so the decision
// logic stays in Go.

const probeVisibleFn = `const visible = el => {
    if (!el) { return false; }
    const r = el.getBoundingClientRect();
    if (r.width <= 0 || r.height <= 0) { return false; }
    const cs = window.getComputedStyle(el);
    return cs.display !== 'none' && cs.visibility !== 'hidden' && parseFloat(cs.opacity || '1') > 0;
  };`

const productRegionFn = `const region = document.querySelector('[data-section-type="product"], .product, .product-single, #ProductSection, main [itemtype*="Product"], main') || document.body;`

const scriptLocationHref = `location.href`

const scriptAddToCartProbe = `(() => {
  ` + probeVisibleFn + `
  const selectors = [
    'form[action*="/cart/add"] button[type="submit"][name="add"]',
    'form[action*="/cart/add"] [type="submit"]',
    'button[name="add"]',
    '#AddToCart',
    '#add-to-cart',
    '.product-form__submit',
    '.btn--add-to-cart',
    '[data-add-to-cart]',
    '.add-to-cart'
  ];
  let button = null, selector = '';
  for (const sel of selectors) {
    const el = document.querySelector(sel);
    if (el) { button = el; selector = sel; break; }
  }
  const form = (button && button.closest('form')) || document.querySelector('form[action*="/cart/add"]');
  const action = form ? (form.getAttribute('action') || '') : '';
  return {
    button_found: !!button,
    selector: selector,
    visible: visible(button),
    disabled: !!button && (button.disabled || button.getAttribute('aria-disabled') === 'true' || button.classList.contains('disabled')),
    text: button ? (button.innerText || button.value || '').trim().slice(0, 200) : '',
    form_found: !!form,
    form_action: action,
    form_visible: visible(form)
  };
})()`

const scriptLiquidVisible = `(() => {
  ` + probeVisibleFn + `
  const pattern = /liquid error|liquid syntax error|could not find asset|could not find template|is not a valid section type|translation missing/i;
  const hits = [];
  const walker = document.createTreeWalker(document.body || document.documentElement, NodeFilter.SHOW_TEXT, {
    acceptNode: n => {
      const p = n.parentElement;
      if (!p || ['SCRIPT', 'STYLE', 'NOSCRIPT', 'TEMPLATE'].includes(p.tagName)) { return NodeFilter.FILTER_REJECT; }
      return pattern.test(n.textContent) ? NodeFilter.FILTER_ACCEPT : NodeFilter.FILTER_SKIP;
    }
  });
  while (walker.nextNode() && hits.length < 20) {
    const n = walker.currentNode;
    if (visible(n.parentElement)) { hits.push(n.textContent.trim().slice(0, 300)); }
  }
  document.querySelectorAll('.translation_missing, span[title^="translation missing"]').forEach(el => {
    if (hits.length < 20 && visible(el)) { hits.push((el.getAttribute('title') || el.textContent || '').trim().slice(0, 300)); }
  });
  return {visible_hits: hits};
})()`

const scriptPriceProbe = `(() => {
  ` + probeVisibleFn + `
  ` + productRegionFn + `
  const selectors = [
    '[data-product-price]',
    '.price__current',
    '.price-item--sale',
    '.price-item--regular',
    '.product__price',
    '.product-single__price',
    '#ProductPrice',
    '.product-price',
    '[itemprop="price"]',
    '.price'
  ];
  const candidates = [];
  for (const sel of selectors) {
    const el = region.querySelector(sel) || document.querySelector(sel);
    if (!el) { continue; }
    candidates.push({
      selector: sel,
      text: (el.innerText || el.getAttribute('content') || '').trim().slice(0, 120),
      visible: visible(el)
    });
    if (candidates.length >= 5) { break; }
  }
  const fallback = [];
  if (!candidates.some(c => c.visible && c.text)) {
    const currency = /([$€£¥₹]|\b(USD|EUR|GBP|CAD|AUD|JPY|kr|zł)\b)\s?\d|\d[\d.,]*\s?([$€£¥₹]|\b(USD|EUR|GBP|CAD|AUD|kr|zł)\b)/;
    const walker = document.createTreeWalker(region, NodeFilter.SHOW_TEXT);
    while (walker.nextNode() && fallback.length < 5) {
      const t = walker.currentNode.textContent.trim();
      if (t.length < 40 && currency.test(t)) {
        fallback.push({selector: '', text: t, visible: visible(walker.currentNode.parentElement)});
      }
    }
  }
  return {candidates: candidates, fallback: fallback};
})()`

const scriptImageProbe = `(() => {
  ` + probeVisibleFn + `
  ` + productRegionFn + `
  const selectors = [
    '.product__media img',
    '.product-single__photo img',
    '.product-featured-media img',
    '.product__main-photos img',
    '[data-product-featured-image]',
    '.product-gallery img',
    '#ProductPhotoImg',
    'img[itemprop="image"]'
  ];
  let img = null, selector = '', fallback = false;
  for (const sel of selectors) {
    const el = document.querySelector(sel);
    if (el) { img = el; selector = sel; break; }
  }
  if (!img) {
    let best = 0;
    region.querySelectorAll('img').forEach(el => {
      const r = el.getBoundingClientRect();
      const area = r.width * r.height;
      if (area > best) { best = area; img = el; }
    });
    fallback = !!img;
  }
  const count = region.querySelectorAll('img').length;
  if (!img) { return {found: false, image_count: count}; }
  const r = img.getBoundingClientRect();
  return {
    found: true,
    selector: selector,
    fallback: fallback,
    src: img.currentSrc || img.src || '',
    natural_width: img.naturalWidth || 0,
    natural_height: img.naturalHeight || 0,
    complete: !!img.complete,
    visible: visible(img),
    rendered_width: Math.round(r.width),
    rendered_height: Math.round(r.height),
    image_count: count
  };
})()`
